package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailflow/backend/internal/domain"
)

const (
	// notifySendTimeout 通知邮件等待投递结果的上限。
	notifySendTimeout = 2 * time.Minute
	// webhookTimeout 单次 Webhook 回调的超时。
	webhookTimeout = 10 * time.Second
)

// MailSender 发送系统生成的通知邮件，由投递协调器实现。
type MailSender interface {
	Send(ctx context.Context, message []byte, recipients []string, mailFrom string, priority domain.Priority) map[string]domain.JobResult
}

// Notifier 在转发失败时向域名属主发送通知邮件，并把投递事件回调到
// 域名配置的 Webhook 地址。两类通知都是尽力而为，失败只记日志。
type Notifier struct {
	sender     MailSender
	httpClient *http.Client
	hostname   string // 通知邮件的发件域名
	log        *zap.Logger
}

// NewNotifier 创建通知服务。
func NewNotifier(sender MailSender, hostname string, log *zap.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		httpClient: &http.Client{
			Timeout: webhookTimeout,
		},
		hostname: hostname,
		log:      log,
	}
}

// FailureNotice 一次转发失败的通知内容。
type FailureNotice struct {
	Recipient string // 失败的收件地址
	Sender    string // 原始发件人
	Subject   string
	Error     string
}

// NotifyForwardingFailure 向域名属主发送转发失败通知。
// 域名未开启通知或未配置通知地址时直接返回，发送在后台完成。
func (n *Notifier) NotifyForwardingFailure(d *domain.Domain, notice FailureNotice) {
	if d == nil || !d.NotifyOnFailure {
		return
	}
	if d.NotifyEmail == "" {
		n.log.Debug("failure notification skipped, no notify address",
			zap.String("domain", d.Name))
		return
	}

	go n.sendFailureEmail(d, notice)
}

// EmitWebhook 把投递事件回调到域名配置的 Webhook 地址。
func (n *Notifier) EmitWebhook(d *domain.Domain, event domain.DeliveryEvent) {
	if d == nil || d.WebhookURL == "" {
		return
	}

	go n.postWebhook(d.WebhookURL, d.Name, event)
}

func (n *Notifier) sendFailureEmail(d *domain.Domain, notice FailureNotice) {
	mailFrom := "postmaster@" + n.hostname
	message := n.buildFailureMessage(mailFrom, d.NotifyEmail, notice)

	ctx, cancel := context.WithTimeout(context.Background(), notifySendTimeout)
	defer cancel()

	results := n.sender.Send(ctx, message, []string{d.NotifyEmail}, mailFrom, domain.PriorityLow)
	for target, res := range results {
		if res.Delivered {
			continue
		}
		n.log.Warn("failure notification not delivered",
			zap.String("domain", d.Name),
			zap.String("target", target),
			zap.Error(res.Err))
	}
}

// buildFailureMessage 构造一封纯文本的失败通知邮件。
func (n *Notifier) buildFailureMessage(from, to string, notice FailureNotice) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: Mail Delivery Subsystem <%s>\r\n", from)
	fmt.Fprintf(&buf, "To: <%s>\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n",
		mime.QEncoding.Encode("utf-8", "Forwarding failed for "+notice.Recipient))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: <%s@%s>\r\n", uuid.NewString(), n.hostname)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Auto-Submitted: auto-generated\r\n")
	buf.WriteString("\r\n")

	buf.WriteString("Mail forwarding failed for the following recipient:\r\n")
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "    %s\r\n", notice.Recipient)
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "Original sender: %s\r\n", notice.Sender)
	fmt.Fprintf(&buf, "Subject: %s\r\n", notice.Subject)
	fmt.Fprintf(&buf, "Reason: %s\r\n", notice.Error)
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "This notification was generated automatically by %s.\r\n", n.hostname)
	return buf.Bytes()
}

func (n *Notifier) postWebhook(url, domainName string, event domain.DeliveryEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("failed to marshal webhook payload",
			zap.String("domain", domainName), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		n.log.Warn("failed to build webhook request",
			zap.String("domain", domainName), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mailflow-Event", string(event.Status))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("webhook request failed",
			zap.String("domain", domainName),
			zap.String("url", url),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		n.log.Warn("webhook endpoint returned error",
			zap.String("domain", domainName),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
	}
}
