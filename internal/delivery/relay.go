package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/domain"
)

// RelayService 经由智能主机投递的队列服务。
//
// 任务进入有界优先级队列，固定数量的工人出队发送，
// 全局令牌桶限速，连接取自预热的连接池。
// 临时失败按 2^retry_count 秒退避后重新入队，重试耗尽即失败。
type RelayService struct {
	cfg    *config.RelayConfig
	queue  *jobQueue
	pool   *connPool
	global *rate.Limiter
	log    *zap.Logger

	// 重试退避时长，测试时替换
	backoff func(retryCount int) time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	workers sync.WaitGroup
	retries sync.WaitGroup

	sent     atomic.Uint64
	failed   atomic.Uint64
	bounced  atomic.Uint64
	requeued atomic.Uint64
	rejected atomic.Uint64
}

// NewRelayService 创建中继服务，按配置拨号智能主机。
func NewRelayService(cfg *config.RelayConfig, heloName string, connectTimeout time.Duration, log *zap.Logger) *RelayService {
	return NewRelayServiceWithDialer(cfg, relayDialer(cfg, heloName, connectTimeout), log)
}

// NewRelayServiceWithDialer 使用自定义连接工厂创建中继服务，测试注入用。
func NewRelayServiceWithDialer(cfg *config.RelayConfig, dial func() (*smtp.Client, error), log *zap.Logger) *RelayService {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &RelayService{
		cfg:    cfg,
		queue:  newJobQueue(cfg.QueueCapacity),
		pool:   newConnPool(cfg.PoolSize, dial, log),
		global: rate.NewLimiter(limit, burst),
		log:    log,
		backoff: func(retryCount int) time.Duration {
			return time.Duration(1<<retryCount) * time.Second
		},
		stopCh: make(chan struct{}),
	}
}

// Start 预热连接池并启动工人，重复调用无效果。
func (s *RelayService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	go s.pool.Warm()
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	s.log.Info("relay service started",
		zap.String("host", s.cfg.Addr()),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("pool_size", s.cfg.PoolSize),
		zap.Int("queue_capacity", s.cfg.QueueCapacity))
}

// Stop 停止服务：先拒收新任务，排空队列与在途任务，再关闭连接池。
// 重复调用无效果。
func (s *RelayService) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.queue.Close()
	close(s.stopCh)
	s.workers.Wait()
	s.retries.Wait()
	s.pool.Close()
	s.log.Info("relay service stopped")
}

// Enqueue 提交投递任务。
// 队列满返回 ErrQueueFull，服务未运行返回 ErrRelayStopped。
func (s *RelayService) Enqueue(job *domain.EmailJob) error {
	s.mu.Lock()
	running := s.started && !s.stopped
	s.mu.Unlock()
	if !running {
		return ErrRelayStopped
	}

	if err := s.queue.Enqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			s.rejected.Add(1)
			s.log.Warn("relay queue is full, job rejected",
				zap.String("job_id", job.ID))
		}
		return err
	}
	return nil
}

func (s *RelayService) worker() {
	defer s.workers.Done()
	for {
		job, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		s.process(job)
	}
}

func (s *RelayService) process(job *domain.EmailJob) {
	if err := s.global.Wait(context.Background()); err != nil {
		s.fail(job, err)
		return
	}

	c, err := s.pool.Acquire()
	if err != nil {
		s.retryOrFail(job, err)
		return
	}

	err = submit(c, job.MailFrom, job.Targets, job.Message)
	if err == nil {
		s.pool.Release(c, true)
		s.sent.Add(1)
		s.log.Info("job relayed",
			zap.String("job_id", job.ID),
			zap.Strings("targets", job.Targets),
			zap.Int("retry_count", job.RetryCount))
		job.Finish(domain.JobResult{Delivered: true})
		return
	}

	// 发送失败后会话状态不明，槽位以空位归还
	s.pool.Release(c, false)

	if IsPermanent(classify(err)) {
		s.bounced.Add(1)
		s.log.Warn("job permanently rejected by relay",
			zap.String("job_id", job.ID), zap.Error(err))
		job.Finish(domain.JobResult{Permanent: true, Err: err})
		return
	}
	s.retryOrFail(job, err)
}

// retryOrFail 安排一次退避重试，重试耗尽时了结任务。
func (s *RelayService) retryOrFail(job *domain.EmailJob, cause error) {
	if job.RetryCount >= job.MaxRetries {
		s.log.Warn("job retries exhausted",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(cause))
		s.fail(job, cause)
		return
	}

	job.RetryCount++
	s.requeued.Add(1)
	backoff := s.backoff(job.RetryCount)
	s.log.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Duration("backoff", backoff))

	s.retries.Add(1)
	go func() {
		defer s.retries.Done()
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			// 停机时不再等退避，入队失败即按失败了结
		}
		if err := s.queue.Enqueue(job); err != nil {
			s.fail(job, cause)
		}
	}()
}

func (s *RelayService) fail(job *domain.EmailJob, cause error) {
	s.failed.Add(1)
	job.Finish(domain.JobResult{Err: cause})
}

// Stats 返回累计投递计数的快照。
func (s *RelayService) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Bounced: s.bounced.Load(),
		Retries: s.requeued.Load(),
	}
}

// QueueDepth 当前排队任务数。
func (s *RelayService) QueueDepth() int {
	return s.queue.Len()
}

// QueueRejected 因队列满被拒绝的任务数。
func (s *RelayService) QueueRejected() uint64 {
	return s.rejected.Load()
}
