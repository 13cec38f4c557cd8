package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// promauto 在创建时就把指标注册到默认注册表，进程内只能构造一次。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入站 SMTP 指标
	SMTPConnectionsTotal prometheus.Counter
	SMTPActiveSessions   prometheus.Gauge
	MessagesReceived     prometheus.Counter
	MessagesRejected     *prometheus.CounterVec

	// 投递指标
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DeliveryRetries  prometheus.Counter
	MessagesSigned   prometheus.Counter

	// 中继队列指标
	RelayQueueDepth    prometheus.Gauge
	RelayQueueRejected prometheus.Counter

	// 系统指标
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	RedisConnections    prometheus.Gauge
	WebsocketClients    prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// 入站 SMTP 指标
		SMTPConnectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_smtp_connections_total",
				Help: "Total number of inbound SMTP connections",
			},
		),

		SMTPActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_smtp_active_sessions",
				Help: "Number of active inbound SMTP sessions",
			},
		),

		MessagesReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_messages_received_total",
				Help: "Total number of messages accepted at DATA",
			},
		),

		MessagesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_messages_rejected_total",
				Help: "Total number of rejected recipients",
			},
			[]string{"reason"},
		),

		// 投递指标
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_deliveries_total",
				Help: "Total number of outbound deliveries",
			},
			[]string{"mode", "outcome"},
		),

		DeliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailflow_delivery_duration_seconds",
				Help:    "Outbound delivery duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"mode"},
		),

		DeliveryRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_delivery_retries_total",
				Help: "Total number of delivery retries",
			},
		),

		MessagesSigned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_messages_signed_total",
				Help: "Total number of DKIM-signed messages",
			},
		),

		// 中继队列指标
		RelayQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_relay_queue_depth",
				Help: "Number of jobs waiting in the relay queue",
			},
		),

		RelayQueueRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_relay_queue_rejected_total",
				Help: "Total number of jobs rejected because the relay queue was full",
			},
		),

		// 系统指标
		SystemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		DatabaseConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_database_connections",
				Help: "Number of database connections",
			},
		),

		RedisConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_redis_connections",
				Help: "Number of Redis connections",
			},
		),

		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSMTPConnection 记录入站 SMTP 连接
func (m *Metrics) RecordSMTPConnection() {
	m.SMTPConnectionsTotal.Inc()
}

// SessionOpened 记录入站会话建立
func (m *Metrics) SessionOpened() {
	m.SMTPActiveSessions.Inc()
}

// SessionClosed 记录入站会话结束
func (m *Metrics) SessionClosed() {
	m.SMTPActiveSessions.Dec()
}

// RecordMessageReceived 记录 DATA 接收成功
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordMessageRejected 记录收件人被拒
func (m *Metrics) RecordMessageRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordDelivery 记录一次对外投递的结果
func (m *Metrics) RecordDelivery(mode, outcome string, duration time.Duration) {
	m.DeliveriesTotal.WithLabelValues(mode, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordDeliveryRetry 记录一次投递重试
func (m *Metrics) RecordDeliveryRetry() {
	m.DeliveryRetries.Inc()
}

// RecordMessageSigned 记录 DKIM 签名
func (m *Metrics) RecordMessageSigned() {
	m.MessagesSigned.Inc()
}

// UpdateRelayQueueDepth 更新中继队列深度
func (m *Metrics) UpdateRelayQueueDepth(depth int) {
	m.RelayQueueDepth.Set(float64(depth))
}

// RecordRelayQueueRejected 记录队列满拒绝
func (m *Metrics) RecordRelayQueueRejected() {
	m.RelayQueueRejected.Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateDatabaseConnections 更新数据库连接数
func (m *Metrics) UpdateDatabaseConnections(count int) {
	m.DatabaseConnections.Set(float64(count))
}

// UpdateRedisConnections 更新 Redis 连接数
func (m *Metrics) UpdateRedisConnections(count int) {
	m.RedisConnections.Set(float64(count))
}

// UpdateWebsocketClients 更新 WebSocket 客户端数
func (m *Metrics) UpdateWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
