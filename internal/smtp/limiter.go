package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 入站连接限流器。
// 同时约束并发连接数与新建连接速率，任一超限即拒绝。
type ConnectionLimiter struct {
	mu       sync.Mutex
	maxConns int
	current  int
	limiter  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，0 或负数表示不限制
//   - perSecond: 每秒最大新建连接数，0 或负数表示不限制
//   - burst: 新建连接令牌桶的突发容量
func NewConnectionLimiter(maxConns int, perSecond float64, burst int) *ConnectionLimiter {
	rl := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		rl = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &ConnectionLimiter{maxConns: maxConns, limiter: rl}
}

// Acquire 尝试占用一个连接位，超限时返回 false。
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	if l.maxConns > 0 && l.current >= l.maxConns {
		l.mu.Unlock()
		return false
	}
	l.current++
	l.mu.Unlock()

	if !l.limiter.Allow() {
		l.Release()
		return false
	}
	return true
}

// Release 归还一个连接位。
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current > 0 {
		l.current--
	}
}

// Current 当前并发连接数。
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
