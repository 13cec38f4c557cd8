package mx

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockDNS struct {
	mu        sync.Mutex
	mxCalls   int
	hostCalls int

	mxRecords map[string][]*net.MX
	mxErr     map[string]error
	hostAddrs map[string][]string
	hostErr   map[string]error

	// 首次 MX 查询时阻塞，用于并发去重测试
	started chan struct{}
	release chan struct{}
}

func (m *mockDNS) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	m.mu.Lock()
	m.mxCalls++
	first := m.mxCalls == 1
	m.mu.Unlock()

	if first && m.started != nil {
		close(m.started)
		<-m.release
	}

	if err, ok := m.mxErr[name]; ok {
		return nil, err
	}
	return m.mxRecords[name], nil
}

func (m *mockDNS) LookupHost(ctx context.Context, host string) ([]string, error) {
	m.mu.Lock()
	m.hostCalls++
	m.mu.Unlock()

	if err, ok := m.hostErr[host]; ok {
		return nil, err
	}
	if addrs, ok := m.hostAddrs[host]; ok {
		return addrs, nil
	}
	return []string{"192.0.2.1"}, nil
}

func (m *mockDNS) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mxCalls, m.hostCalls
}

func notFoundErr(name string) *net.DNSError {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func newTestResolver(dns DNSResolver, ttl time.Duration) *Resolver {
	return NewWithResolver(dns, ttl, zap.NewNop())
}

func TestLookupSortsByPreference(t *testing.T) {
	dns := &mockDNS{
		mxRecords: map[string][]*net.MX{
			"example.org": {
				{Host: "backup.example.org.", Pref: 20},
				{Host: "primary.example.org.", Pref: 5},
				{Host: "secondary.example.org.", Pref: 10},
			},
		},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	hosts, err := r.Lookup(context.Background(), "Example.ORG")

	require.NoError(t, err)
	assert.Equal(t, []string{"primary.example.org", "secondary.example.org", "backup.example.org"}, hosts)
}

func TestLookupFallsBackToHost(t *testing.T) {
	dns := &mockDNS{
		mxErr:     map[string]error{"example.org": notFoundErr("example.org")},
		hostAddrs: map[string][]string{"example.org": {"192.0.2.10"}},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	hosts, err := r.Lookup(context.Background(), "example.org")

	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, hosts)
}

func TestLookupDomainNotFound(t *testing.T) {
	dns := &mockDNS{
		mxErr:   map[string]error{"nxdomain.test": notFoundErr("nxdomain.test")},
		hostErr: map[string]error{"nxdomain.test": notFoundErr("nxdomain.test")},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	hosts, err := r.Lookup(context.Background(), "nxdomain.test")

	assert.Nil(t, hosts)
	assert.ErrorIs(t, err, ErrDomainNotFound)
}

func TestLookupTemporaryDNSError(t *testing.T) {
	dns := &mockDNS{
		mxErr: map[string]error{
			"example.org": &net.DNSError{Err: "server misbehaving", Name: "example.org", IsTemporary: true},
		},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	_, err := r.Lookup(context.Background(), "example.org")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDomainNotFound))
}

func TestLookupNullMX(t *testing.T) {
	dns := &mockDNS{
		mxRecords: map[string][]*net.MX{
			"nomail.example.org": {{Host: ".", Pref: 0}},
		},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	_, err := r.Lookup(context.Background(), "nomail.example.org")

	assert.ErrorIs(t, err, ErrNullMX)
}

func TestLookupUsesCache(t *testing.T) {
	dns := &mockDNS{
		mxRecords: map[string][]*net.MX{
			"example.org": {{Host: "mx.example.org.", Pref: 10}},
		},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	first, err := r.Lookup(context.Background(), "example.org")
	require.NoError(t, err)

	second, err := r.Lookup(context.Background(), "example.org")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	mxCalls, _ := dns.calls()
	assert.Equal(t, 1, mxCalls)
}

func TestLookupCacheExpires(t *testing.T) {
	dns := &mockDNS{
		mxRecords: map[string][]*net.MX{
			"example.org": {{Host: "mx.example.org.", Pref: 10}},
		},
	}
	r := newTestResolver(dns, 10*time.Millisecond)
	defer r.Stop()

	_, err := r.Lookup(context.Background(), "example.org")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = r.Lookup(context.Background(), "example.org")
	require.NoError(t, err)

	mxCalls, _ := dns.calls()
	assert.Equal(t, 2, mxCalls)
}

func TestLookupErrorsAreNotCached(t *testing.T) {
	dns := &mockDNS{
		mxErr: map[string]error{
			"flaky.example.org": &net.DNSError{Err: "timeout", Name: "flaky.example.org", IsTimeout: true},
		},
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	_, err := r.Lookup(context.Background(), "flaky.example.org")
	require.Error(t, err)

	// 故障恢复后应重新查询而不是命中失败结果
	dns.mu.Lock()
	delete(dns.mxErr, "flaky.example.org")
	dns.mxRecords = map[string][]*net.MX{
		"flaky.example.org": {{Host: "mx.example.org.", Pref: 10}},
	}
	dns.mu.Unlock()

	hosts, err := r.Lookup(context.Background(), "flaky.example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"mx.example.org"}, hosts)
}

func TestLookupConcurrentRequestsCoalesce(t *testing.T) {
	dns := &mockDNS{
		mxRecords: map[string][]*net.MX{
			"example.org": {{Host: "mx.example.org.", Pref: 10}},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := newTestResolver(dns, time.Hour)
	defer r.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hosts, err := r.Lookup(context.Background(), "example.org")
			assert.NoError(t, err)
			assert.Equal(t, []string{"mx.example.org"}, hosts)
		}()
	}

	// 等第一个查询进入后再放行，让其余请求挂在同一班航班上
	<-dns.started
	time.Sleep(20 * time.Millisecond)
	close(dns.release)

	wg.Wait()

	mxCalls, _ := dns.calls()
	assert.Equal(t, 1, mxCalls)
}
