package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/mailparser"
	"mailflow/backend/internal/monitoring"
	"mailflow/backend/internal/resolver"
	"mailflow/backend/internal/service"
	"mailflow/backend/internal/storage"
)

// deliveryTimeout 单个收件人从出队到终态的最长耗时。
// 重试与退避都发生在这个窗口内，超时后按临时失败收尾。
const deliveryTimeout = 10 * time.Minute

// MailSender 把盖好溯源头的邮件交给投递协调器。
type MailSender interface {
	Send(ctx context.Context, message []byte, recipients []string, mailFrom string, priority domain.Priority) map[string]domain.JobResult
}

// Archiver 归档原始邮件，返回归档位置。
type Archiver interface {
	Store(ctx context.Context, domainName, key string, raw []byte) (string, error)
}

// EventBroadcaster 向已连接的客户端广播投递事件。
type EventBroadcaster interface {
	BroadcastDelivery(event domain.DeliveryEvent)
}

// Backend 实现 go-smtp 的 Backend 接口，是入站邮件的接收端。
//
// 这是一个存储转发（store-and-forward）的接收器：
//   - RCPT 阶段只接受托管域名下的地址，其余一律 550 拒绝，
//     保证服务器不会成为开放中继；
//   - DATA 阶段逐收件人解析转发决定并落库，然后立即返回 250，
//     真正的投递在后台完成，250 只代表"已接收"，不代表"已送达"。
type Backend struct {
	cfg      *config.Config
	domains  *service.DomainService
	messages *service.MessageService
	resolver *resolver.Resolver
	sender   MailSender
	notifier *service.Notifier
	log      *zap.Logger

	archiver Archiver            // 可选，原始邮件归档
	events   EventBroadcaster    // 可选，WebSocket 广播
	metrics  *monitoring.Metrics // 可选
	limiter  *ConnectionLimiter  // 可选，入站连接限制

	deliveries sync.WaitGroup
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	cfg *config.Config,
	domains *service.DomainService,
	messages *service.MessageService,
	res *resolver.Resolver,
	sender MailSender,
	notifier *service.Notifier,
	log *zap.Logger,
) *Backend {
	return &Backend{
		cfg:      cfg,
		domains:  domains,
		messages: messages,
		resolver: res,
		sender:   sender,
		notifier: notifier,
		log:      log,
	}
}

// SetArchiver 设置原始邮件归档存储。
func (b *Backend) SetArchiver(a Archiver) { b.archiver = a }

// SetEventBroadcaster 设置投递事件广播器。
func (b *Backend) SetEventBroadcaster(e EventBroadcaster) { b.events = e }

// SetMetrics 设置指标收集器。
func (b *Backend) SetMetrics(m *monitoring.Metrics) { b.metrics = m }

// SetConnectionLimiter 设置入站连接限制器。
func (b *Backend) SetConnectionLimiter(l *ConnectionLimiter) { b.limiter = l }

// Wait 等待所有后台投递收尾，优雅停机时调用。
func (b *Backend) Wait() {
	b.deliveries.Wait()
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	remote := ""
	if conn := c.Conn(); conn != nil && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	if b.metrics != nil {
		b.metrics.RecordSMTPConnection()
		b.metrics.SessionOpened()
	}
	b.log.Debug("smtp session opened", zap.String("remote", remote))

	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令。空的信封发件人（退信）也接受。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = domain.NormalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，只放行托管域名下的地址。
// 别名是否存在要到 DATA 阶段才裁决，这里不做查找，
// 避免在 RCPT 阶段暴露地址枚举信息。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)

	_, domainName, err := domain.SplitAddress(addr)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if _, err := s.backend.domains.GetByName(domainName); err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
				Message:      "relay access denied - domain not managed by this server",
			}
		}
		s.backend.log.Error("domain lookup failed during RCPT",
			zap.String("domain", domainName), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure, try again later",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// dispatch 一个已解析收件人的后台投递任务。
type dispatch struct {
	message *domain.Message
	domain  *domain.Domain
	stamped []byte
}

// Data 处理邮件内容。
// 逐收件人解析转发决定并写入 PENDING/PROCESSING 记录，全部落库后
// 返回 nil（250 已接收），投递在后台进行。存储故障返回 451，让对端
// 稍后重试整封邮件。
func (s *session) Data(r io.Reader) error {
	b := s.backend

	raw, err := io.ReadAll(io.LimitReader(r, b.maxMessageSize()))
	if err != nil {
		return err
	}

	summary := mailparser.Inspect(raw)
	if b.metrics != nil {
		b.metrics.RecordMessageReceived()
	}
	b.log.Info("inbound message accepted for processing",
		zap.String("remote", s.remote),
		zap.String("sender", s.from),
		zap.Strings("recipients", s.recipients),
		zap.String("original_message_id", summary.MessageID),
		zap.Int64("size", summary.SizeBytes))

	meta := domain.MessageMeta{
		Sender:         s.from,
		Subject:        summary.Subject,
		SizeBytes:      summary.SizeBytes,
		HasAttachments: summary.HasAttachments,
	}

	// 同一封邮件的所有收件人共用一个归档对象
	archiveKey := ""
	archived := false

	var dispatches []dispatch
	for _, rcpt := range s.recipients {
		decision, err := b.resolver.Resolve(rcpt, meta)
		if err != nil {
			b.log.Error("recipient resolution failed",
				zap.String("recipient", rcpt), zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary processing failure, try again later",
			}
		}

		if decision.Outcome != resolver.OutcomeDeliver {
			if err := s.persistRejected(rcpt, decision, summary); err != nil {
				return err
			}
			continue
		}

		if b.archiver != nil && !archived {
			archived = true
			key, err := b.archiver.Store(context.Background(), decision.Domain.Name, uuid.NewString(), raw)
			if err != nil {
				b.log.Warn("failed to archive raw message", zap.Error(err))
			} else {
				archiveKey = key
			}
		}

		m, err := b.messages.Create(service.CreateMessageInput{
			MessageID:      s.newMessageID(),
			DomainID:       decision.Domain.ID,
			SenderEmail:    s.from,
			RecipientEmail: rcpt,
			ForwardedTo:    decision.Targets,
			Subject:        summary.Subject,
			SizeBytes:      summary.SizeBytes,
			HasAttachments: summary.HasAttachments,
			ArchiveKey:     archiveKey,
		})
		if err != nil {
			b.log.Error("failed to persist message",
				zap.String("recipient", rcpt), zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary storage failure, try again later",
			}
		}
		if err := b.messages.MarkProcessing(m.ID); err != nil {
			b.log.Warn("failed to mark message processing",
				zap.String("message_id", m.ID), zap.Error(err))
		}

		stamped := mailparser.Stamp(raw, mailparser.ForwardingStamp{
			Forwarder:      b.hostname(),
			OriginalTo:     rcpt,
			OriginalSender: s.from,
			NewTo:          decision.Targets,
		})

		dispatches = append(dispatches, dispatch{
			message: m,
			domain:  decision.Domain,
			stamped: stamped,
		})
	}

	for _, d := range dispatches {
		b.deliveries.Add(1)
		go b.deliver(d)
	}
	return nil
}

// persistRejected 为被拒收的收件人写入 REJECTED 记录。
func (s *session) persistRejected(rcpt string, decision *resolver.Decision, summary *mailparser.Summary) error {
	b := s.backend

	domainID := ""
	if decision.Domain != nil {
		domainID = decision.Domain.ID
	}

	m, err := b.messages.Create(service.CreateMessageInput{
		MessageID:      s.newMessageID(),
		DomainID:       domainID,
		SenderEmail:    s.from,
		RecipientEmail: rcpt,
		Subject:        summary.Subject,
		SizeBytes:      summary.SizeBytes,
		HasAttachments: summary.HasAttachments,
	})
	if err != nil {
		b.log.Error("failed to persist rejected message",
			zap.String("recipient", rcpt), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary storage failure, try again later",
		}
	}
	if err := b.messages.Complete(m.ID, domain.StatusRejected, decision.Reason); err != nil {
		b.log.Warn("failed to finalize rejected message",
			zap.String("message_id", m.ID), zap.Error(err))
	}

	b.log.Info("recipient rejected",
		zap.String("recipient", rcpt),
		zap.String("reason", decision.Reason),
		zap.String("matched_rule", decision.MatchedRuleID))
	if b.metrics != nil {
		b.metrics.RecordMessageRejected(string(decision.Outcome))
	}
	b.broadcast(m, decision.Domain, domain.StatusRejected, decision.Reason)
	return nil
}

// deliver 在后台把一个收件人的邮件送往全部转发目标并写入终态。
// 出站的信封发件人改写为别名地址，退信会回到本系统而不是打扰原发件人。
func (b *Backend) deliver(d dispatch) {
	defer b.deliveries.Done()

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	targets := domain.SplitTargets(d.message.ForwardedTo)
	start := time.Now()
	results := b.sender.Send(ctx, d.stamped, targets, d.message.RecipientEmail, domain.PriorityNormal)
	status, errMsg := summarizeResults(targets, results)

	if err := b.messages.Complete(d.message.ID, status, errMsg); err != nil {
		b.log.Error("failed to finalize message status",
			zap.String("message_id", d.message.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	b.log.Info("delivery finished",
		zap.String("message_id", d.message.MessageID),
		zap.String("recipient", d.message.RecipientEmail),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)))
	if b.metrics != nil {
		b.metrics.RecordDelivery(b.cfg.Delivery.Mode, strings.ToLower(string(status)), time.Since(start))
	}

	if status != domain.StatusDelivered && b.notifier != nil {
		b.notifier.NotifyForwardingFailure(d.domain, service.FailureNotice{
			Recipient: d.message.RecipientEmail,
			Sender:    d.message.SenderEmail,
			Subject:   d.message.Subject,
			Error:     errMsg,
		})
	}
	b.broadcast(d.message, d.domain, status, errMsg)
}

// broadcast 把投递结果广播给事件订阅方。
func (b *Backend) broadcast(m *domain.Message, d *domain.Domain, status domain.MessageStatus, errMsg string) {
	domainName := ""
	if d != nil {
		domainName = d.Name
	}
	event := domain.DeliveryEvent{
		MessageID:   m.MessageID,
		Domain:      domainName,
		Sender:      m.SenderEmail,
		Recipient:   m.RecipientEmail,
		ForwardedTo: m.ForwardedTo,
		Status:      status,
		Error:       errMsg,
		Timestamp:   time.Now().UTC(),
	}
	if b.events != nil {
		b.events.BroadcastDelivery(event)
	}
	if b.notifier != nil {
		b.notifier.EmitWebhook(d, event)
	}
}

// summarizeResults 汇总各目标的投递结果，换算成记录终态。
// 全部成功为 DELIVERED，全部永久失败为 BOUNCED，其余为 FAILED，
// 失败目标与原因写进 error_message。
func summarizeResults(targets []string, results map[string]domain.JobResult) (domain.MessageStatus, string) {
	delivered := 0
	permanent := 0
	var failures []string

	for _, t := range targets {
		res, ok := results[t]
		if !ok {
			failures = append(failures, t+": no delivery result")
			continue
		}
		if res.Delivered {
			delivered++
			continue
		}
		if res.Permanent {
			permanent++
		}
		if res.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", t, res.Err))
		} else {
			failures = append(failures, t+": delivery failed")
		}
	}

	switch {
	case delivered == len(targets):
		return domain.StatusDelivered, ""
	case permanent == len(targets):
		return domain.StatusBounced, strings.Join(failures, "; ")
	default:
		return domain.StatusFailed, strings.Join(failures, "; ")
	}
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil {
		s.backend.limiter.Release()
	}
	if s.backend.metrics != nil {
		s.backend.metrics.SessionClosed()
	}
	return nil
}

// newMessageID 生成一个本系统唯一的 Message-ID。
func (s *session) newMessageID() string {
	return fmt.Sprintf("%s@%s", uuid.NewString(), s.backend.hostname())
}

func (b *Backend) hostname() string {
	if b.cfg.SMTP.Hostname != "" {
		return b.cfg.SMTP.Hostname
	}
	return "localhost"
}

func (b *Backend) maxMessageSize() int64 {
	if b.cfg.SMTP.MaxMessageSize > 0 {
		return b.cfg.SMTP.MaxMessageSize
	}
	return 25 << 20
}
