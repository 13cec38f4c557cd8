package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 按键滑动窗口限流器。
// 同一个键在窗口内最多允许 limit 次开始，超出的调用会阻塞等待而不是被丢弃。
type Limiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	starts map[string][]time.Time
}

// New 创建滑动窗口限流器
//
// 参数:
//   - limit: 窗口内允许的最大开始次数
//   - window: 滑动窗口长度
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		starts: make(map[string][]time.Time),
	}
}

// Wait 阻塞直到 key 在窗口内有空余配额，然后占用一个配额。
// 只在上下文取消时返回错误，从不丢弃请求。
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		now := time.Now()
		starts := pruneExpired(l.starts[key], now.Add(-l.window))

		if len(starts) < l.limit {
			l.starts[key] = append(starts, now)
			l.mu.Unlock()
			return nil
		}

		// 等最早的一次开始滑出窗口后重试
		wait := starts[0].Add(l.window).Sub(now)
		l.starts[key] = starts
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneExpired 删除 cutoff 之前的时间戳，时间戳保持升序
func pruneExpired(starts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(starts) && !starts[idx].After(cutoff) {
		idx++
	}
	return starts[idx:]
}
