package delivery

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/dkim"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// fakeDKIMStore 只认一个域名的签名密钥存储。
type fakeDKIMStore struct {
	d *domain.Domain
}

func (s *fakeDKIMStore) GetDomainByName(name string) (*domain.Domain, error) {
	if s.d != nil && s.d.Name == name {
		return s.d, nil
	}
	return nil, storage.ErrDomainNotFound
}

func relayCredentials(backend *testBackend) func(*config.RelayConfig) {
	backend.username = "relay-user"
	backend.password = "relay-pass"
	return func(cfg *config.RelayConfig) {
		cfg.Username = "relay-user"
		cfg.Password = "relay-pass"
	}
}

func TestCoordinatorForcesDirectWithoutRelayCredentials(t *testing.T) {
	backend := newTestBackend()
	host, port := startTestServer(t, backend)
	resolver := &stubResolver{hosts: []string{host}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, port, 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "relay"}, &config.RelayConfig{}, direct, nil, nil, nil, zap.NewNop())
	require.Equal(t, "direct", coord.Mode())

	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityNormal)
	require.Len(t, results, 1)
	assert.True(t, results["user@example.org"].Delivered)
	assert.Equal(t, 1, backend.messageCount())
}

func TestCoordinatorDirectModeFansOut(t *testing.T) {
	backend := newTestBackend()
	host, port := startTestServer(t, backend)
	resolver := &stubResolver{hosts: []string{host}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, port, 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "direct"}, &config.RelayConfig{}, direct, nil, nil, nil, zap.NewNop())
	coord.Start()
	defer coord.Stop()

	recipients := []string{"a@example.org", "b@example.org"}
	results := coord.Send(context.Background(), []byte(testMessage), recipients, "sender@example.com", domain.PriorityNormal)

	require.Len(t, results, 2)
	for _, rcpt := range recipients {
		assert.True(t, results[rcpt].Delivered, "recipient %s", rcpt)
	}
	assert.Equal(t, 2, backend.messageCount())
	assert.ElementsMatch(t, recipients, backend.sentRcpts())
}

func TestCoordinatorRelayMode(t *testing.T) {
	relayBackend := newTestBackend()
	relay := newTestRelay(t, relayBackend, relayCredentials(relayBackend))

	resolver := &stubResolver{hosts: []string{"127.0.0.2"}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, "2525", 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "relay"}, relay.cfg, direct, relay, nil, nil, zap.NewNop())
	require.Equal(t, "relay", coord.Mode())

	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityHigh)
	require.Len(t, results, 1)
	assert.True(t, results["user@example.org"].Delivered)

	// 中继模式不触碰 MX 解析
	assert.Equal(t, 0, resolver.callCount())
	assert.Equal(t, 1, relayBackend.messageCount())
}

func TestCoordinatorSmartModeUsesRelay(t *testing.T) {
	relayBackend := newTestBackend()
	relay := newTestRelay(t, relayBackend, relayCredentials(relayBackend))

	resolver := &stubResolver{hosts: []string{"127.0.0.2"}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, "2525", 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "smart"}, relay.cfg, direct, relay, nil, nil, zap.NewNop())
	require.Equal(t, "smart", coord.Mode())

	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityNormal)
	assert.True(t, results["user@example.org"].Delivered)
	assert.Equal(t, 0, resolver.callCount())
	assert.Equal(t, 1, relayBackend.messageCount())
}

func TestCoordinatorHybridFallsBackToRelay(t *testing.T) {
	relayBackend := newTestBackend()
	relay := newTestRelay(t, relayBackend, relayCredentials(relayBackend))

	// 直投目标拒绝连接，强制走中继兜底
	resolver := &stubResolver{hosts: []string{"127.0.0.2"}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, "2525", 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "hybrid"}, relay.cfg, direct, relay, nil, nil, zap.NewNop())
	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityNormal)
	require.Len(t, results, 1)
	assert.True(t, results["user@example.org"].Delivered)
	assert.Equal(t, 1, relayBackend.messageCount())

	stats := coord.Stats()
	assert.Equal(t, "hybrid", stats.Mode)
	assert.Equal(t, uint64(1), stats.Direct.Failed)
	assert.Equal(t, uint64(1), stats.Relay.Sent)
	assert.Equal(t, uint64(1), stats.Total.Sent)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestCoordinatorHybridOnlyFailedRecipientsFallBack(t *testing.T) {
	directBackend := newTestBackend()
	directBackend.rcptErr["bad@example.org"] = smtpError(451, "Mailbox busy")
	host, port := startTestServer(t, directBackend)
	resolver := &stubResolver{hosts: []string{host}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, port, 1)

	relayBackend := newTestBackend()
	relay := newTestRelay(t, relayBackend, relayCredentials(relayBackend))

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "hybrid"}, relay.cfg, direct, relay, nil, nil, zap.NewNop())
	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"good@example.org", "bad@example.org"}, "sender@example.com", domain.PriorityNormal)
	require.Len(t, results, 2)
	assert.True(t, results["good@example.org"].Delivered)
	assert.True(t, results["bad@example.org"].Delivered)

	// 直投成功的不走中继，失败的只走中继
	assert.Equal(t, []string{"good@example.org"}, directBackend.sentRcpts())
	assert.Equal(t, []string{"bad@example.org"}, relayBackend.sentRcpts())
}

func TestCoordinatorHybridSkipsRelayWhenDirectDelivers(t *testing.T) {
	directBackend := newTestBackend()
	host, port := startTestServer(t, directBackend)
	resolver := &stubResolver{hosts: []string{host}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, port, 1)

	relayBackend := newTestBackend()
	relay := newTestRelay(t, relayBackend, relayCredentials(relayBackend))

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "hybrid"}, relay.cfg, direct, relay, nil, nil, zap.NewNop())
	coord.Start()
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityNormal)
	assert.True(t, results["user@example.org"].Delivered)
	assert.Equal(t, 1, directBackend.messageCount())
	assert.Equal(t, 0, relayBackend.messageCount())
}

func TestCoordinatorSignsOutboundMail(t *testing.T) {
	key, err := dkim.GenerateKey()
	require.NoError(t, err)

	store := &fakeDKIMStore{d: &domain.Domain{
		ID:             "dom-1",
		Name:           "example.com",
		DKIMPrivateKey: key,
		DKIMSelector:   "mail",
	}}
	signer := dkim.NewSigner(store, zap.NewNop())

	backend := newTestBackend()
	host, port := startTestServer(t, backend)
	resolver := &stubResolver{hosts: []string{host}}
	direct, _ := newTestDirect(resolver, &stubLimiter{}, port, 1)

	coord := NewCoordinator(&config.DeliveryConfig{Mode: "direct"}, &config.RelayConfig{}, direct, nil, signer, nil, zap.NewNop())
	defer coord.Stop()

	results := coord.Send(context.Background(), []byte(testMessage), []string{"user@example.org"}, "sender@example.com", domain.PriorityNormal)
	require.True(t, results["user@example.org"].Delivered)

	received := string(backend.lastMessage())
	assert.True(t, strings.HasPrefix(received, "DKIM-Signature:"))
	assert.Contains(t, received, "d=example.com")
	assert.Contains(t, received, "hello world")
}
