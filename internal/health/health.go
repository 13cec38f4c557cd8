package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/storage"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
}

// NewHealthChecker 创建健康检查器。
// 存活检查只看进程自身状态，就绪检查覆盖存储后端和中继可达性。
func NewHealthChecker(cfg *config.Config, store storage.Store) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
	}

	// 协程数暴涨通常意味着投递协程泄漏
	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(1000))

	// 存储后端检查，混合存储会同时探测数据库与缓存
	hc.health.AddReadinessCheck("storage", func() error {
		return hc.store.Health()
	})

	// 配置了中继时检查 smart host 可达性
	if cfg != nil && cfg.Relay.Host != "" {
		addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
		hc.health.AddReadinessCheck("smarthost", healthcheck.TCPDialCheck(addr, 5*time.Second))
	}

	return hc
}

// Handler 返回健康检查处理器，/live 与 /ready 路径由其内部路由
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 返回存活检查的处理函数
func (hc *HealthChecker) LiveEndpoint() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyEndpoint 返回就绪检查的处理函数
func (hc *HealthChecker) ReadyEndpoint() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}
