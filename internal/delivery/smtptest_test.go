package delivery

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
)

// testBackend 可编程的本地 SMTP 后端，按脚本对指定阶段返回指定错误码。
type testBackend struct {
	mu sync.Mutex

	rcptErr   map[string]*smtp.SMTPError // 指定收件人在 RCPT 阶段返回的错误
	dataErr   *smtp.SMTPError            // DATA 阶段固定返回的错误
	dataFails int                        // DATA 阶段前 N 次返回 451
	dataDelay time.Duration              // DATA 阶段的人为延迟

	// 非空时要求 PLAIN 认证通过后才接受 MAIL FROM
	username string
	password string

	connections int
	authed      int
	froms       []string
	rcpts       []string
	messages    [][]byte
}

func newTestBackend() *testBackend {
	return &testBackend{rcptErr: make(map[string]*smtp.SMTPError)}
}

func (b *testBackend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	b.connections++
	b.mu.Unlock()
	return &testSession{backend: b}, nil
}

func (b *testBackend) messageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func (b *testBackend) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections
}

func (b *testBackend) lastMessage() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil
	}
	return b.messages[len(b.messages)-1]
}

func (b *testBackend) sentFroms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.froms...)
}

func (b *testBackend) sentRcpts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.rcpts...)
}

func (b *testBackend) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authed
}

type testSession struct {
	backend *testBackend
	from    string
	rcpts   []string
	authed  bool
}

func (s *testSession) AuthMechanisms() []string {
	if s.backend.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		s.authed = true
		s.backend.mu.Lock()
		s.backend.authed++
		s.backend.mu.Unlock()
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.username != "" && !s.authed {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	scripted := s.backend.rcptErr[to]
	s.backend.mu.Unlock()
	if scripted != nil {
		return scripted
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.backend.dataDelay > 0 {
		time.Sleep(s.backend.dataDelay)
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dataFails > 0 {
		b.dataFails--
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}
	if b.dataErr != nil {
		return b.dataErr
	}
	b.froms = append(b.froms, s.from)
	b.rcpts = append(b.rcpts, s.rcpts...)
	b.messages = append(b.messages, body)
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *testSession) Logout() error {
	return nil
}

// startTestServer 在回环地址上启动脚本化 SMTP 服务器，返回主机与端口。
func startTestServer(t *testing.T, backend *testBackend) (host, port string) {
	host, port, _ = startClosableTestServer(t, backend)
	return host, port
}

// startClosableTestServer 额外返回立即关停服务器的函数，用于模拟对端失联。
func startClosableTestServer(t *testing.T, backend *testBackend) (host, port string, shutdown func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(backend)
	srv.Domain = "smarthost.test"
	srv.AllowInsecureAuth = true
	go srv.Serve(l)

	var once sync.Once
	shutdown = func() { once.Do(func() { srv.Close() }) }
	t.Cleanup(shutdown)

	host, port, err = net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	return host, port, shutdown
}

func mustPort(t *testing.T, port string) int {
	t.Helper()
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}

// smtpError 构造带增强码的 SMTP 错误。
func smtpError(code int, message string) *smtp.SMTPError {
	class := code / 100
	return &smtp.SMTPError{
		Code:         code,
		EnhancedCode: smtp.EnhancedCode{class, 0, 0},
		Message:      message,
	}
}
