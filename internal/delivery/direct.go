package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/mx"
)

// MXResolver 按收件域名解析投递主机列表。
type MXResolver interface {
	Lookup(ctx context.Context, domain string) ([]string, error)
}

// DomainLimiter 对单个目标域名的连接频率限速。
type DomainLimiter interface {
	Wait(ctx context.Context, key string) error
}

// DirectService 把邮件直接投递到收件人域名的 MX 主机。
//
// 每轮尝试按优先级遍历全部 MX 主机，5xx 拒绝立即终止整个投递，
// 临时错误在 2^n 秒退避后重试下一轮，直到重试耗尽。
type DirectService struct {
	resolver       MXResolver
	limiter        DomainLimiter
	heloName       string
	port           string
	maxRetries     int
	connectTimeout time.Duration
	log            *zap.Logger

	// 退避休眠，测试时替换为记录器
	sleep func(ctx context.Context, d time.Duration) error

	sent    atomic.Uint64
	failed  atomic.Uint64
	bounced atomic.Uint64
	retries atomic.Uint64
}

// NewDirectService 创建直投服务
func NewDirectService(resolver MXResolver, limiter DomainLimiter, cfg *config.DeliveryConfig, log *zap.Logger) *DirectService {
	return &DirectService{
		resolver:       resolver,
		limiter:        limiter,
		heloName:       cfg.Hostname,
		port:           "25",
		maxRetries:     cfg.MaxRetries,
		connectTimeout: cfg.ConnectTimeout,
		log:            log,
		sleep:          sleepContext,
	}
}

// Send 把邮件投递给单个收件人。
//
// 返回 nil 表示对端已接收；PermanentError 表示被永久拒绝，
// 不应重试；其余错误表示重试耗尽后的临时失败。
func (s *DirectService) Send(ctx context.Context, message []byte, recipient, mailFrom string) error {
	_, domainName, err := domain.SplitAddress(domain.NormalizeAddress(recipient))
	if err != nil {
		s.bounced.Add(1)
		return &PermanentError{Err: fmt.Errorf("invalid recipient %q: %w", recipient, err)}
	}

	var attempts []domain.DeliveryAttempt
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if attempt > 1 {
			s.retries.Add(1)
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if err := s.sleep(ctx, backoff); err != nil {
				s.failed.Add(1)
				return fmt.Errorf("delivery aborted during backoff: %w", err)
			}
		}

		hosts, err := s.resolver.Lookup(ctx, domainName)
		if err != nil {
			if errors.Is(err, mx.ErrDomainNotFound) || errors.Is(err, mx.ErrNullMX) {
				s.bounced.Add(1)
				return &PermanentError{Err: err}
			}
			lastErr = err
			s.log.Debug("mx lookup failed, will retry",
				zap.String("domain", domainName), zap.Error(err))
			continue
		}

		if err := s.limiter.Wait(ctx, domainName); err != nil {
			s.failed.Add(1)
			return fmt.Errorf("delivery aborted waiting for rate limit: %w", err)
		}

		for _, host := range hosts {
			err := s.sendToHost(host, mailFrom, recipient, message)
			attempts = append(attempts, domain.DeliveryAttempt{
				Timestamp: time.Now(),
				MXHost:    host,
				Success:   err == nil,
				Error:     errString(err),
			})

			if err == nil {
				s.sent.Add(1)
				s.log.Info("message delivered",
					zap.String("recipient", recipient),
					zap.String("mx_host", host),
					zap.Int("attempt", attempt))
				return nil
			}
			if IsPermanent(err) {
				s.bounced.Add(1)
				s.log.Warn("delivery permanently rejected",
					zap.String("recipient", recipient),
					zap.String("mx_host", host),
					zap.Error(err))
				return err
			}
			lastErr = err
			s.log.Debug("mx host attempt failed",
				zap.String("mx_host", host), zap.Error(err))
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no delivery attempt was made")
	}
	s.failed.Add(1)
	s.log.Warn("delivery failed after retries",
		zap.String("recipient", recipient),
		zap.Int("attempts", len(attempts)),
		zap.Error(lastErr))
	return fmt.Errorf("delivery to %s failed after %d attempts: %w", recipient, s.maxRetries, lastErr)
}

// sendToHost 对单个 MX 主机执行完整的发送事务。
func (s *DirectService) sendToHost(host, mailFrom, recipient string, message []byte) error {
	c, err := connectDirect(host, s.port, s.heloName, s.connectTimeout, s.log)
	if err != nil {
		return classify(err)
	}
	defer c.Close()

	if err := submit(c, mailFrom, []string{recipient}, message); err != nil {
		return classify(err)
	}
	c.Quit()
	return nil
}

// Stats 返回累计投递计数的快照。
func (s *DirectService) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Bounced: s.bounced.Load(),
		Retries: s.retries.Load(),
	}
}

// sleepContext 可被上下文打断的休眠。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
