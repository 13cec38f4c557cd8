package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus 邮件投递状态机的状态。
// 状态只能沿 PENDING → PROCESSING → 终态 推进，终态写入后不再变化。
type MessageStatus string

const (
	StatusPending    MessageStatus = "PENDING"    // 已接收，尚未开始投递
	StatusProcessing MessageStatus = "PROCESSING" // 投递进行中
	StatusDelivered  MessageStatus = "DELIVERED"  // 全部目标投递成功
	StatusFailed     MessageStatus = "FAILED"     // 重试耗尽或部分目标失败
	StatusBounced    MessageStatus = "BOUNCED"    // 对端永久拒绝
	StatusRejected   MessageStatus = "REJECTED"   // 被转发规则拒收或无路由
)

// ParseMessageStatus 解析投递状态，未知值返回错误。
func ParseMessageStatus(s string) (MessageStatus, error) {
	st := MessageStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed, StatusBounced, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown message status: %q", s)
}

// IsTerminal 判断状态是否为终态。
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusBounced, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo 判断状态机是否允许迁移到 next。
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next.IsTerminal()
	}
	return false
}

// Message 表示一封经过本系统的邮件的投递记录。
// 一条记录对应入站邮件的一个收件人，转发目标合并记录在 ForwardedTo 中。
type Message struct {
	ID             string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID      string        `json:"messageId" gorm:"uniqueIndex;type:varchar(255);not null"` // RFC 5322 Message-ID
	DomainID       string        `json:"domainId" gorm:"type:varchar(36);index;not null"`
	SenderEmail    string        `json:"senderEmail" gorm:"type:varchar(255);index"`
	RecipientEmail string        `json:"recipientEmail" gorm:"type:varchar(255);index"` // 原始收件地址
	ForwardedTo    string        `json:"forwardedTo,omitempty" gorm:"type:text"`        // 逗号分隔的实际转发目标
	Subject        string        `json:"subject" gorm:"type:varchar(500)"`
	SizeBytes      int64         `json:"sizeBytes"`
	HasAttachments bool          `json:"hasAttachments" gorm:"default:false"`
	Status         MessageStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	ErrorMessage   string        `json:"errorMessage,omitempty" gorm:"type:text"`
	ArchiveKey     string        `json:"archiveKey,omitempty" gorm:"type:varchar(512)"` // 原始邮件归档位置，可为空
	CreatedAt      time.Time     `json:"createdAt" gorm:"index"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
