package domain

import "time"

// DeliveryStatistics 系统的投递统计信息。
type DeliveryStatistics struct {
	TotalDomains     int                   `json:"totalDomains"`
	TotalAliases     int                   `json:"totalAliases"`
	TotalMessages    int                   `json:"totalMessages"`
	MessagesToday    int                   `json:"messagesToday"`
	MessagesByStatus map[MessageStatus]int `json:"messagesByStatus"`
	MessagesByDomain map[string]int        `json:"messagesByDomain"`
	GeneratedAt      time.Time             `json:"generatedAt"`
}

// DeliveryEvent 一次投递到达终态时广播的事件。
// 用于 WebSocket 推送与通知回调。
type DeliveryEvent struct {
	MessageID   string        `json:"messageId"`
	Domain      string        `json:"domain"`
	Sender      string        `json:"sender"`
	Recipient   string        `json:"recipient"`
	ForwardedTo string        `json:"forwardedTo,omitempty"`
	Status      MessageStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
