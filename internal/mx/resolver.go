package mx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrDomainNotFound 收件域名不存在（NXDOMAIN），属于硬错误
	ErrDomainNotFound = errors.New("recipient domain not found")
	// ErrNullMX 域名通过单条 "." MX 记录明确拒收邮件
	ErrNullMX = errors.New("domain does not accept mail")
)

// DNSResolver 底层 DNS 查询接口，*net.Resolver 满足该接口
type DNSResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type cacheEntry struct {
	hosts     []string
	expiresAt time.Time
}

// Resolver MX 解析器，带 TTL 缓存和并发查询去重
type Resolver struct {
	dns DNSResolver
	ttl time.Duration
	log *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	group singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New 创建使用系统 DNS 的解析器，缓存 TTL 为 1 小时
func New(log *zap.Logger) *Resolver {
	return NewWithResolver(net.DefaultResolver, time.Hour, log)
}

// NewWithResolver 创建使用指定 DNS 后端的解析器
func NewWithResolver(dns DNSResolver, ttl time.Duration, log *zap.Logger) *Resolver {
	r := &Resolver{
		dns:    dns,
		ttl:    ttl,
		log:    log,
		cache:  make(map[string]*cacheEntry),
		stopCh: make(chan struct{}),
	}

	// 后台清理过期条目
	go r.sweepLoop()

	return r
}

// Lookup 返回域名的投递主机列表，按 MX 优先级升序。
// 没有 MX 记录但域名本身可解析时，退回域名自身（隐式 A 记录）。
func (r *Resolver) Lookup(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("empty recipient domain")
	}

	if hosts, ok := r.cached(domain); ok {
		return hosts, nil
	}

	v, err, _ := r.group.Do(domain, func() (interface{}, error) {
		// 上一班并发航班可能刚写入缓存
		if hosts, ok := r.cached(domain); ok {
			return hosts, nil
		}

		hosts, err := r.resolve(ctx, domain)
		if err != nil {
			return nil, err
		}

		r.store(domain, hosts)
		return hosts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) resolve(ctx context.Context, domain string) ([]string, error) {
	records, err := r.dns.LookupMX(ctx, domain)
	// LookupMX 可能在返回部分有效记录的同时返回错误，只要有记录就继续
	if err != nil && len(records) == 0 {
		if !isNotFound(err) {
			return nil, fmt.Errorf("mx lookup for %s: %w", domain, err)
		}
		return r.fallbackHost(ctx, domain)
	}
	if err != nil {
		r.log.Warn("mx lookup returned partial records",
			zap.String("domain", domain), zap.Error(err))
	}

	// 单条指向 "." 的记录表示域名明确拒收邮件
	if len(records) == 1 && records[0].Host == "." {
		return nil, fmt.Errorf("%w: %s", ErrNullMX, domain)
	}

	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})

	hosts := make([]string, 0, len(sorted))
	for _, rec := range sorted {
		host := strings.TrimSuffix(rec.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return r.fallbackHost(ctx, domain)
	}
	return hosts, nil
}

// fallbackHost 没有可用 MX 记录时检查域名自身是否可解析
func (r *Resolver) fallbackHost(ctx context.Context, domain string) ([]string, error) {
	if _, err := r.dns.LookupHost(ctx, domain); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
		}
		return nil, fmt.Errorf("host lookup for %s: %w", domain, err)
	}

	r.log.Debug("no mx records, delivering to host directly", zap.String("domain", domain))
	return []string{domain}, nil
}

func (r *Resolver) cached(domain string) ([]string, bool) {
	r.mu.RLock()
	entry, ok := r.cache[domain]
	r.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	out := make([]string, len(entry.hosts))
	copy(out, entry.hosts)
	return out, true
}

func (r *Resolver) store(domain string, hosts []string) {
	r.mu.Lock()
	r.cache[domain] = &cacheEntry{
		hosts:     hosts,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()
}

// Stop 停止后台清理协程
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// sweepLoop 定期清理过期的缓存条目
func (r *Resolver) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for domain, entry := range r.cache {
				if now.After(entry.expiresAt) {
					delete(r.cache, domain)
				}
			}
			r.mu.Unlock()
		}
	}
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
