package delivery

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
)

// connectDirect 建立到目标 MX 主机的连接并完成 EHLO。
// 对端通告 STARTTLS 时尝试加密，失败则重连回明文，机会性加密不校验证书。
func connectDirect(host, port, heloName string, timeout time.Duration, log *zap.Logger) (*smtp.Client, error) {
	addr := net.JoinHostPort(host, port)
	c, err := dialPlain(addr, heloName, timeout)
	if err != nil {
		return nil, err
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: host, InsecureSkipVerify: true}
		if err := c.StartTLS(tlsConfig); err != nil {
			log.Warn("starttls failed, retrying in plaintext",
				zap.String("host", host), zap.Error(err))
			c.Close()
			return dialPlain(addr, heloName, timeout)
		}
	}
	return c, nil
}

// dialPlain 明文拨号并完成 EHLO。
func dialPlain(addr, heloName string, timeout time.Duration) (*smtp.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c := smtp.NewClient(conn)
	if err := c.Hello(heloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO %s: %w", addr, err)
	}
	return c, nil
}

// relayDialer 按配置构造智能主机的连接工厂，负责 TLS 和认证。
func relayDialer(cfg *config.RelayConfig, heloName string, timeout time.Duration) func() (*smtp.Client, error) {
	return func() (*smtp.Client, error) {
		c, err := dialRelay(cfg, heloName, timeout)
		if err != nil {
			return nil, err
		}
		if cfg.Username != "" {
			if err := authenticate(c, cfg.Username, cfg.Password); err != nil {
				c.Close()
				return nil, fmt.Errorf("relay auth: %w", err)
			}
		}
		return c, nil
	}
}

// dialRelay 按 TLS 模式连接智能主机。
// 与直投不同，配置了 starttls 的中继在加密失败时直接报错，不降级明文。
func dialRelay(cfg *config.RelayConfig, heloName string, timeout time.Duration) (*smtp.Client, error) {
	addr := cfg.Addr()
	switch cfg.TLSMode {
	case "tls":
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		c := smtp.NewClient(conn)
		if err := c.Hello(heloName); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO %s: %w", addr, err)
		}
		return c, nil
	case "starttls":
		c, err := dialPlain(addr, heloName, timeout)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			c.Close()
			return nil, fmt.Errorf("starttls %s: %w", addr, err)
		}
		return c, nil
	default:
		return dialPlain(addr, heloName, timeout)
	}
}

// authenticate 按服务器通告的机制选择 PLAIN 或 LOGIN。
func authenticate(c *smtp.Client, username, password string) error {
	var client sasl.Client
	switch {
	case c.SupportsAuth(sasl.Plain):
		client = sasl.NewPlainClient("", username, password)
	case c.SupportsAuth(sasl.Login):
		client = sasl.NewLoginClient(username, password)
	default:
		client = sasl.NewPlainClient("", username, password)
	}
	return c.Auth(client)
}

// submit 在已建立的连接上执行一次 MAIL FROM、RCPT TO、DATA 事务。
// 错误保留底层的 *smtp.SMTPError 以便上层分类。
func submit(c *smtp.Client, mailFrom string, recipients []string, message []byte) error {
	if err := c.Mail(mailFrom, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}
