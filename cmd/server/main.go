package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailflow/backend/internal/archive"
	"mailflow/backend/internal/config"
	"mailflow/backend/internal/delivery"
	"mailflow/backend/internal/dkim"
	"mailflow/backend/internal/health"
	"mailflow/backend/internal/logger"
	"mailflow/backend/internal/maintenance"
	"mailflow/backend/internal/monitoring"
	"mailflow/backend/internal/mx"
	"mailflow/backend/internal/ratelimit"
	"mailflow/backend/internal/resolver"
	"mailflow/backend/internal/service"
	"mailflow/backend/internal/smtp"
	"mailflow/backend/internal/storage"
	"mailflow/backend/internal/storage/hybrid"
	"mailflow/backend/internal/storage/memory"
	redisstore "mailflow/backend/internal/storage/redis"
	sqlstore "mailflow/backend/internal/storage/sql"
	httptransport "mailflow/backend/internal/transport/http"
	"mailflow/backend/internal/websocket"
)

// main 启动同时包含管理 HTTP API 与入站 SMTP 的转发服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting mailflow server",
		zap.String("version", "0.4.1"),
		zap.String("log_level", cfg.Log.Level),
		zap.String("delivery_mode", cfg.Delivery.Mode),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer store.Close()

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(cfg, store)

	// 初始化服务层
	domainService := service.NewDomainService(store, cfg)
	aliasService := service.NewAliasService(store, store)
	ruleService := service.NewRuleService(store, store)
	messageService := service.NewMessageService(store)
	apiKeyService := service.NewAPIKeyService(store)

	// 初始化投递链路
	var signer *dkim.Signer
	if cfg.DKIM.Enabled {
		signer = dkim.NewSigner(store, log)
	}

	mxResolver := mx.New(log)
	directService := delivery.NewDirectService(
		mxResolver,
		ratelimit.New(cfg.Delivery.RateLimit, cfg.Delivery.RateWindow),
		&cfg.Delivery,
		log,
	)

	// 中继凭据不完整时协调器会强制回退直连
	var relayService *delivery.RelayService
	if cfg.Relay.HasCredentials() {
		relayService = delivery.NewRelayService(&cfg.Relay, cfg.Delivery.Hostname, cfg.Delivery.ConnectTimeout, log)
	}

	coordinator := delivery.NewCoordinator(&cfg.Delivery, &cfg.Relay, directService, relayService, signer, metrics, log)
	coordinator.Start()
	log.Info("delivery coordinator started", zap.String("mode", coordinator.Mode()))

	notifier := service.NewNotifier(coordinator, cfg.SMTP.Hostname, log)

	// 创建 WebSocket Hub，投递事件实时推送给管理控制台
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	// 创建 SMTP Backend
	smtpBackend := smtp.NewBackend(cfg, domainService, messageService, resolver.New(store, log), coordinator, notifier, log)
	smtpBackend.SetMetrics(metrics)
	smtpBackend.SetEventBroadcaster(wsHub)
	smtpBackend.SetConnectionLimiter(smtp.NewConnectionLimiter(
		cfg.SMTP.MaxConnections,
		cfg.SMTP.ConnPerSecond,
		cfg.SMTP.ConnBurst,
	))

	// 初始化原始邮件归档
	arc, err := archive.New(cfg.Archive, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize archive: %v", err))
	}
	if arc != nil {
		smtpBackend.SetArchiver(arc)
		log.Info("message archiving enabled", zap.String("backend", cfg.Archive.Backend))
	}

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		DomainService:  domainService,
		AliasService:   aliasService,
		RuleService:    ruleService,
		MessageService: messageService,
		APIKeyService:  apiKeyService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Hostname
	smtpServer.ReadTimeout = 1 * time.Minute
	smtpServer.WriteTimeout = 1 * time.Minute
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	smtpServer.MaxRecipients = cfg.SMTP.MaxRecipients

	// 注册维护任务
	sched := maintenance.NewScheduler(log)
	maintenanceJobs := []struct {
		spec string
		name string
		fn   maintenance.JobFunc
	}{
		// 协调器只在投递时更新计数器，队列深度需要周期性采样
		{"*/15 * * * * *", "queue-depth-gauge", maintenance.UpdateQueueDepthGauge(func() int {
			return coordinator.Stats().QueueDepth
		}, metrics)},
		{"*/15 * * * * *", "websocket-clients-gauge", maintenance.UpdateWebsocketGauge(wsHub.ClientCount, metrics)},
		{"0 0 * * * *", "purge-expired-aliases", maintenance.PurgeExpiredAliases(aliasService, log)},
		{"0 */10 * * * *", "sweep-stale-messages", maintenance.SweepStaleMessages(messageService, 30*time.Minute, log)},
		{"0 0 0 * * *", "daily-statistics", maintenance.LogDailyStatistics(messageService, log)},
	}
	for _, job := range maintenanceJobs {
		if err := sched.AddJob(job.spec, job.name, job.fn); err != nil {
			panic(fmt.Sprintf("failed to register maintenance job: %v", err))
		}
	}
	if fsArchive, ok := arc.(*archive.FilesystemArchive); ok && cfg.Archive.RetentionDays > 0 {
		err := sched.AddJob("0 0 3 * * *", "archive-cleanup",
			maintenance.CleanupArchive(fsArchive, cfg.Archive.RetentionDays, log))
		if err != nil {
			panic(fmt.Sprintf("failed to register maintenance job: %v", err))
		}
	}
	if err := sched.Start(); err != nil {
		panic(fmt.Sprintf("failed to start maintenance scheduler: %v", err))
	}

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.StorageHealthRule(store))
	alertManager.AddRule(monitoring.QueueBacklogRule(func() int {
		return coordinator.Stats().QueueDepth
	}, cfg.Relay.QueueCapacity))
	alertManager.AddRule(monitoring.DeliveryFailureRule(func() (uint64, uint64) {
		total := coordinator.Stats().Total
		return total.Sent, total.Failed
	}, 0.5))
	alertManager.AddRule(monitoring.HighMemoryRule(512))
	alertManager.AddRule(monitoring.GoroutineCountRule(1000))

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("hostname", cfg.SMTP.Hostname),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// 告警巡检 goroutine
	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		sched.Stop()

		// 等待在途的后台投递收尾，等不完的留给重启后的滞留清理任务
		deliveriesDone := make(chan struct{})
		go func() {
			smtpBackend.Wait()
			close(deliveriesDone)
		}()
		select {
		case <-deliveriesDone:
		case <-time.After(30 * time.Second):
			log.Warn("timed out waiting for in-flight deliveries")
		}

		coordinator.Stop()
		mxResolver.Stop()
		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储实现
//
// 配置了数据库时使用 SQL 存储，Redis 地址非空时再叠加缓存构成混合存储；
// 两者都未配置时退回进程内内存存储，仅适合开发环境。
//
// 参数:
//   - cfg: 配置对象
//   - log: 日志记录器
//
// 返回值:
//   - storage.Store: 选定的存储实现
//   - error: 数据库或 Redis 连接失败时返回错误
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using in-memory storage (development mode)")
		return memory.NewStore(), nil
	}

	sqlStore, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))

	if cfg.Redis.Address == "" {
		return sqlStore, nil
	}

	client, err := redisstore.New(&cfg.Redis, log)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	log.Info("redis cache enabled", zap.String("address", cfg.Redis.Address))

	return hybrid.New(sqlStore, redisstore.NewCache(client), log), nil
}
