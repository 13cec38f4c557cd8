package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/dkim"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/monitoring"
)

// Coordinator 出站投递的统一入口。
//
// 先做 DKIM 签名，再按模式分发：direct 直投 MX，relay 走智能主机，
// hybrid 先直投、失败的收件人经中继兜底，smart 暂等同 relay。
// 未配置中继凭据时无论请求哪种模式都强制 direct。
type Coordinator struct {
	mode     string
	direct   *DirectService
	relay    *RelayService
	relayCfg *config.RelayConfig
	signer   *dkim.Signer
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewCoordinator 创建投递协调器。
// relay 为 nil 或凭据缺失时生效模式回落为 direct。
func NewCoordinator(cfg *config.DeliveryConfig, relayCfg *config.RelayConfig, direct *DirectService, relay *RelayService, signer *dkim.Signer, metrics *monitoring.Metrics, log *zap.Logger) *Coordinator {
	mode := cfg.Mode
	if mode != "direct" && (relay == nil || !relayCfg.HasCredentials()) {
		log.Warn("relay credentials not configured, forcing direct delivery",
			zap.String("requested_mode", mode))
		mode = "direct"
	}

	return &Coordinator{
		mode:     mode,
		direct:   direct,
		relay:    relay,
		relayCfg: relayCfg,
		signer:   signer,
		metrics:  metrics,
		log:      log,
	}
}

// Mode 生效的投递模式。
func (c *Coordinator) Mode() string {
	return c.mode
}

// Start 启动下属服务。
func (c *Coordinator) Start() {
	if c.relay != nil && c.mode != "direct" {
		c.relay.Start()
	}
}

// Stop 停止下属服务，排空在途任务。
func (c *Coordinator) Stop() {
	if c.relay != nil {
		c.relay.Stop()
	}
	if c.signer != nil {
		c.signer.Stop()
	}
}

// Send 投递一封邮件给一组收件人，返回每个收件人的终态结果。
// 所有收件人处理完毕才返回，结果映射覆盖全部收件人。
func (c *Coordinator) Send(ctx context.Context, message []byte, recipients []string, mailFrom string, priority domain.Priority) map[string]domain.JobResult {
	if c.signer != nil {
		signed := c.signer.Sign(message, mailFrom)
		if c.metrics != nil && len(signed) > len(message) {
			c.metrics.RecordMessageSigned()
		}
		message = signed
	}

	start := time.Now()
	var results map[string]domain.JobResult

	switch c.mode {
	case "relay", "smart":
		// smart 目前等同 relay，留作未来按域名信誉路由的扩展点
		results = c.sendViaRelay(ctx, message, recipients, mailFrom, priority)
	case "hybrid":
		results = c.sendDirect(ctx, message, recipients, mailFrom)
		var fallback []string
		for _, rcpt := range recipients {
			if !results[rcpt].Delivered {
				fallback = append(fallback, rcpt)
			}
		}
		if len(fallback) > 0 && c.relay != nil {
			c.log.Info("falling back to relay",
				zap.Strings("recipients", fallback))
			for rcpt, res := range c.sendViaRelay(ctx, message, fallback, mailFrom, priority) {
				results[rcpt] = res
			}
		}
	default:
		results = c.sendDirect(ctx, message, recipients, mailFrom)
	}

	if c.metrics != nil {
		elapsed := time.Since(start)
		for _, res := range results {
			c.metrics.RecordDelivery(c.mode, outcomeLabel(res), elapsed)
		}
	}
	return results
}

// sendDirect 并发直投每个收件人。
func (c *Coordinator) sendDirect(ctx context.Context, message []byte, recipients []string, mailFrom string) map[string]domain.JobResult {
	results := make(map[string]domain.JobResult, len(recipients))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rcpt := range recipients {
		wg.Add(1)
		go func(rcpt string) {
			defer wg.Done()
			err := c.direct.Send(ctx, message, rcpt, mailFrom)
			mu.Lock()
			results[rcpt] = domain.JobResult{
				Delivered: err == nil,
				Permanent: IsPermanent(err),
				Err:       err,
			}
			mu.Unlock()
		}(rcpt)
	}
	wg.Wait()
	return results
}

// sendViaRelay 把全部目标打包成一个任务入队并等待终态。
func (c *Coordinator) sendViaRelay(ctx context.Context, message []byte, targets []string, mailFrom string, priority domain.Priority) map[string]domain.JobResult {
	results := make(map[string]domain.JobResult, len(targets))

	job := domain.NewEmailJob(uuid.NewString(), mailFrom, targets, message, priority, c.relayCfg.MaxRetries)
	if err := c.relay.Enqueue(job); err != nil {
		if c.metrics != nil && errors.Is(err, ErrQueueFull) {
			c.metrics.RecordRelayQueueRejected()
		}
		for _, t := range targets {
			results[t] = domain.JobResult{Err: err}
		}
		return results
	}

	select {
	case res := <-job.Result:
		for _, t := range targets {
			results[t] = res
		}
	case <-ctx.Done():
		for _, t := range targets {
			results[t] = domain.JobResult{Err: ctx.Err()}
		}
	}
	return results
}

// CoordinatorStats 聚合的投递统计。
type CoordinatorStats struct {
	Mode       string `json:"mode"`
	Direct     Stats  `json:"direct"`
	Relay      Stats  `json:"relay"`
	Total      Stats  `json:"total"`
	QueueDepth int    `json:"queueDepth"`
}

// Stats 返回直投与中继合并后的统计快照。
func (c *Coordinator) Stats() CoordinatorStats {
	stats := CoordinatorStats{
		Mode:   c.mode,
		Direct: c.direct.Stats(),
	}
	if c.relay != nil {
		stats.Relay = c.relay.Stats()
		stats.QueueDepth = c.relay.QueueDepth()
	}
	stats.Total = stats.Direct.merge(stats.Relay)
	return stats
}

func outcomeLabel(res domain.JobResult) string {
	switch {
	case res.Delivered:
		return "delivered"
	case res.Permanent:
		return "bounced"
	default:
		return "failed"
	}
}
