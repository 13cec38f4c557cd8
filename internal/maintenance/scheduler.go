package maintenance

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc 一个维护任务。返回错误时只记录日志，不影响后续执行。
type JobFunc func() error

// Scheduler 周期性维护任务调度器。
// 清理过期别名、滞留投递记录与本地归档都挂在这里。
type Scheduler struct {
	cron      *cron.Cron
	log       *zap.Logger
	jobs      int
	isRunning bool
	mu        sync.Mutex
}

// NewScheduler 创建维护调度器。cron 表达式带秒字段。
func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// AddJob 注册一个定时任务。
//
// 参数:
//   - spec: 带秒字段的 cron 表达式，如 "0 */10 * * * *"
//   - name: 任务名，用于日志
//   - fn: 任务函数
//
// 返回值:
//   - error: 表达式非法时返回错误
func (s *Scheduler) AddJob(spec, name string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(); err != nil {
			s.log.Error("maintenance job failed",
				zap.String("job", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.log.Debug("maintenance job completed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to add maintenance job %s: %w", name, err)
	}

	s.mu.Lock()
	s.jobs++
	s.mu.Unlock()
	return nil
}

// Start 启动调度器。
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("maintenance scheduler is already running")
	}

	s.cron.Start()
	s.isRunning = true

	s.log.Info("maintenance scheduler started", zap.Int("jobs", s.jobs))
	return nil
}

// Stop 停止调度器并等待进行中的任务结束，最多等待 30 秒。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.log.Info("maintenance scheduler stopped")
	case <-time.After(30 * time.Second):
		s.log.Warn("maintenance scheduler stop timeout")
	}

	s.isRunning = false
}
