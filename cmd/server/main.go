package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/logger"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/notify"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/smtp"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/storage/memory"
	"relaymail/backend/internal/storage/postgres"
	"relaymail/backend/internal/storage/redis"
	httptransport "relaymail/backend/internal/transport/http"
)

const version = "1.0.0"

// main 启动 HTTP API、可选的 SMTP 接收服务与过期清理任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Service:     "relaymail",
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting relaymail server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(log, 2*time.Second)

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() { _ = store.Close() }()
	healthChecker.AddDependency("store", health.PingerFunc(store.Health))

	// Redis：多实例共享限流计数与清理锁
	var (
		rateLimiter  middleware.Limiter
		localLimiter *middleware.LocalLimiter
		sweepLock    service.Locker
	)
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()

		healthChecker.AddDependency("redis", redisClient)
		sweepLock = redis.NewLocker(redisClient, "relaymail:lock:sweeper", cfg.Sweeper.LockTTL)
		if cfg.RateLimit.Enabled {
			rateLimiter = redis.NewRateLimiter(redisClient, "relaymail:ratelimit", cfg.RateLimit.RequestsPerMinute, time.Minute)
		}
	} else if cfg.RateLimit.Enabled {
		localLimiter = middleware.NewLocalLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		rateLimiter = localLimiter
	}

	// 消息通道
	var channel service.NotificationChannel
	if cfg.Telegram.BotToken != "" {
		telegram, err := notify.NewTelegramClient(cfg.Telegram, log)
		if err != nil {
			log.Fatal("failed to create telegram client", zap.Error(err))
		}
		channel = telegram
	} else {
		log.Warn("telegram bot token not configured, notifications are only logged")
		channel = notify.NewLogChannel(log)
	}

	workers := pool.NewWorkerPool(4, 256, log)

	// 初始化服务层
	timeout := cfg.Store.Timeout
	verifier := service.NewVerificationManager(store, cfg.Verification, timeout, log, metrics)
	quota := service.NewQuotaTracker(cfg.Limits)
	domainService := service.NewDomainService(store, timeout, log)
	addressService := service.NewAddressService(store, quota, domainService, cfg.Mailbox, timeout, log, metrics)
	accountService := service.NewAccountService(store, verifier, channel, workers, quota, addressService, timeout, log, metrics)
	forwarder := service.NewForwarder(store, channel, timeout, log, metrics)
	moderation := service.NewModerationService(store, timeout, log, metrics)
	sweeper := service.NewSweeper(store, sweepLock, cfg.Sweeper.Interval, timeout, log, metrics)

	// 从配置导入域名
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	err = domainService.Seed(seedCtx, cfg.Mailbox.BaseDomains, cfg.Mailbox.PremiumDomains)
	cancelSeed()
	if err != nil {
		log.Fatal("failed to seed mail domains", zap.Error(err))
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("expiry", cfg.JWT.Expiry),
	)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:            cfg,
		AccountService:    accountService,
		AddressService:    addressService,
		DomainService:     domainService,
		Forwarder:         forwarder,
		ModerationService: moderation,
		Sweeper:           sweeper,
		JWTManager:        jwtManager,
		Accounts:          store,
		RateLimiter:       rateLimiter,
		Health:            healthChecker,
		Metrics:           metrics,
		Logger:            log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers.Start(ctx)
	defer workers.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine（可选）
	var smtpCloser func() error
	if cfg.SMTP.Enabled {
		connLimiter := smtp.NewConnectionLimiter(100, 60)
		smtpBackend := smtp.NewBackend(domainService, forwarder, connLimiter, cfg.SMTP.MaxMessageBytes, log)
		smtpServer := smtp.NewServer(smtpBackend, cfg.SMTP.BindAddr, cfg.SMTP.Domain, cfg.SMTP.MaxRecipients)
		smtpCloser = smtpServer.Close

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})

		// 清理长时间空闲的来源 IP 限流状态
		group.Go(func() error {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if n := connLimiter.Prune(30 * time.Minute); n > 0 {
						log.Debug("pruned idle smtp limiter entries", zap.Int("count", n))
					}
				}
			}
		})
	}

	// 过期临时地址清理 goroutine
	group.Go(func() error {
		log.Info("starting expired address sweeper", zap.Duration("interval", cfg.Sweeper.Interval))
		err := sweeper.Run(groupCtx)
		log.Info("sweeper stopped")
		return err
	})

	// 进程内限流器清理 goroutine
	if localLimiter != nil {
		group.Go(func() error {
			localLimiter.Cleanup(groupCtx, 5*time.Minute)
			return nil
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpCloser != nil {
			if err := smtpCloser(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 按配置选择存储：数据库类型为空时使用内存存储（开发环境）
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))

	store, err := postgres.Open(cfg.Database.Type, cfg.Database.DSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}

	log.Info("database storage initialized successfully", zap.String("database_type", cfg.Database.Type))
	return store, nil
}
