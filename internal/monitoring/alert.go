package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailflow/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 一条告警。ID 与规则一一对应，同一规则反复触发只保留一条记录。
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule 告警规则。Condition 返回 true 表示异常。
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() bool
	Level         AlertLevel
	Component     string
	Message       string
	Cooldown      time.Duration
	lastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 周期性评估规则，把触发的告警推给所有接收器。
// 条件恢复后自动标记 resolved，冷却时间内不重复推送。
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		rules:     make([]AlertRule, 0),
		receivers: make([]AlertReceiver, 0),
		logger:    logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警。同一 ID 的未解决告警不会重复推送。
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()

	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("alert already active",
			zap.String("alert_id", alert.ID),
		)
		return
	}

	am.alerts[alert.ID] = alert
	receivers := make([]AlertReceiver, len(am.receivers))
	copy(receivers, am.receivers)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 将告警标记为已解决
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := time.Now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("alert resolved",
			zap.String("alert_id", alertID),
		)
	}
}

// GetAlerts 获取全部告警快照
func (am *AlertManager) GetAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// GetActiveAlerts 获取未解决的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 评估一轮所有规则。条件异常且过了冷却期则触发，条件恢复则解决。
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for i, rule := range rules {
		if !rule.Condition() {
			am.ResolveAlert(rule.ID)
			continue
		}

		if time.Since(rule.lastTriggered) < rule.Cooldown {
			continue
		}

		am.TriggerAlert(&Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   rule.Message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: time.Now(),
		})

		am.mu.Lock()
		for j := range am.rules {
			if am.rules[j].ID == rules[i].ID {
				am.rules[j].lastTriggered = time.Now()
				break
			}
		}
		am.mu.Unlock()
	}
}

// StartMonitoring 周期性执行规则检查，直到 ctx 结束。
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// StorageHealthRule 存储探活失败告警
func StorageHealthRule(store storage.Store) AlertRule {
	return AlertRule{
		ID:   "storage_health",
		Name: "Storage Unreachable",
		Condition: func() bool {
			return store.Health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "storage health check failed",
		Cooldown:  1 * time.Minute,
	}
}

// QueueBacklogRule 中继队列积压告警。depth 返回当前排队任务数。
func QueueBacklogRule(depth func() int, capacity int) AlertRule {
	threshold := capacity * 8 / 10
	return AlertRule{
		ID:   "relay_queue_backlog",
		Name: "Relay Queue Backlog",
		Condition: func() bool {
			return capacity > 0 && depth() >= threshold
		},
		Level:     AlertLevelWarning,
		Component: "relay",
		Message:   fmt.Sprintf("relay queue depth above %d of %d", threshold, capacity),
		Cooldown:  5 * time.Minute,
	}
}

// DeliveryFailureRule 投递失败率告警。counts 返回累计的成功与失败数，
// 样本不足 20 次时不评估。
func DeliveryFailureRule(counts func() (sent, failed uint64), threshold float64) AlertRule {
	return AlertRule{
		ID:   "delivery_failure_rate",
		Name: "High Delivery Failure Rate",
		Condition: func() bool {
			sent, failed := counts()
			total := sent + failed
			if total < 20 {
				return false
			}
			return float64(failed)/float64(total) > threshold
		},
		Level:     AlertLevelWarning,
		Component: "delivery",
		Message:   fmt.Sprintf("delivery failure rate exceeds %.0f%%", threshold*100),
		Cooldown:  10 * time.Minute,
	}
}

// HighMemoryRule 内存占用告警
func HighMemoryRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("heap allocation exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// GoroutineCountRule 协程数量告警，数量持续增长通常意味着投递协程泄漏。
func GoroutineCountRule(limit int) AlertRule {
	return AlertRule{
		ID:   "goroutine_count",
		Name: "High Goroutine Count",
		Condition: func() bool {
			return runtime.NumGoroutine() > limit
		},
		Level:     AlertLevelWarning,
		Component: "runtime",
		Message:   fmt.Sprintf("goroutine count exceeds %d", limit),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 把告警按级别写入日志
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver 把告警以 JSON POST 到运维回调地址
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string, logger *zap.Logger) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SendAlert 发送告警到 Webhook
func (war *WebhookAlertReceiver) SendAlert(alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	resp, err := war.client.Post(war.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	war.logger.Debug("alert sent to webhook",
		zap.String("url", war.url),
		zap.String("alert_id", alert.ID),
	)
	return nil
}
