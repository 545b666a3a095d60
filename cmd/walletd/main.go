package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_wallet/internal/anomaly"
	"llm_wallet/internal/billing"
	"llm_wallet/internal/config"
	"llm_wallet/internal/export"
	"llm_wallet/internal/httpapi"
	"llm_wallet/internal/metering"
	"llm_wallet/internal/metrics"
	"llm_wallet/internal/models"
	"llm_wallet/internal/pricing"
	"llm_wallet/internal/providers"
	"llm_wallet/internal/queue"
	"llm_wallet/internal/quota"
	"llm_wallet/internal/ratelimit"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/topup"
	"llm_wallet/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	base, err := utils.NewBaseLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	utils.SetBaseLogger(base)
	defer utils.Sync()

	logger := utils.NewLogger("walletd")
	if err := run(cfg, logger); err != nil {
		logger.Error("walletd exited with error", "error", err)
		utils.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *utils.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	db, err := storage.NewDB(storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var (
		redisClient redis.UniversalClient
		cacheHealth httpapi.HealthChecker
	)
	if cfg.Redis.Enabled {
		rc, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   3,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		redisClient = rc.Client()
		cacheHealth = rc
	}

	// Pricing
	registry, err := pricing.LoadRegistry(cfg.Pricing.File)
	if err != nil {
		return fmt.Errorf("failed to load pricing: %w", err)
	}
	if cfg.Pricing.Watch {
		watcher, err := pricing.NewWatcher(registry, pricing.DefaultDebounce)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch pricing file: %w", err)
		}
		defer watcher.Stop()
	}

	router, err := buildProviders(cfg.Provider)
	if err != nil {
		return err
	}

	m := metrics.New()
	ledgerRepo := db.NewLedgerRepository()
	usageRepo := db.NewUsageRepository()
	anomalyRepo := db.NewAnomalyRepository()

	// Background queues
	anomalyQueueCfg := queueConfig(cfg.Queue, "wallet:anomalies")
	anomalyQ, anomalyDLQ, err := queue.New[models.SettlementAnomaly](anomalyQueueCfg, redisClient)
	if err != nil {
		return err
	}
	recorder := anomaly.NewRecorder(anomalyRepo, anomalyQ, anomalyDLQ, anomalyQueueCfg)
	recorder.Start(ctx)
	defer recorder.Stop()

	queues := map[string]httpapi.QueueAdmin{"anomaly": httpapi.NewQueueAdmin(recorder.Worker())}

	var sink billing.EventSink = export.NewNoopSink()
	if cfg.Export.Enabled {
		writer, err := export.NewS3Writer(ctx, cfg.Export.S3Bucket, cfg.Export.S3Region, cfg.Export.S3Prefix, cfg.Export.PodName)
		if err != nil {
			return fmt.Errorf("failed to create S3 writer: %w", err)
		}
		exportQueueCfg := queueConfig(cfg.Queue, "wallet:export")
		exportQ, exportDLQ, err := queue.New[models.UsageEvent](exportQueueCfg, redisClient)
		if err != nil {
			return err
		}
		s := export.NewSink(writer, exportQ, exportDLQ, exportQueueCfg, m)
		s.Start(ctx)
		defer s.Stop()
		sink = s
		queues["export"] = httpapi.NewQueueAdmin(s.Worker())
	}

	reporter := anomaly.NewReporter(anomalyRepo, m, cfg.Anomaly.ReportSchedule)
	if err := reporter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start anomaly reporter: %w", err)
	}
	defer reporter.Stop()

	// Metering
	var daily *quota.DailyCounter
	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if redisClient != nil {
		daily = quota.NewDailyCounter(redisClient)
		limiter = ratelimit.NewRateLimiter(redisClient)
	} else if cfg.RateLimit.RequestsPerMinute > 0 {
		logger.Warn("Rate limiting needs Redis, requests will not be throttled")
	}

	service, err := metering.NewService(metering.Config{
		Pricing:   registry,
		Quota:     quota.NewGate(usageRepo, registry, daily),
		Balance:   ledgerRepo,
		Runner:    metering.NewRunner(router),
		Settler:   billing.NewSettler(ledgerRepo, recorder, sink, m),
		Limiter:   limiter,
		RateLimit: cfg.RateLimit.RequestsPerMinute,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewRouter(&httpapi.Dependencies{
		Health:      db,
		Cache:       cacheHealth,
		Wallets:     ledgerRepo,
		Usage:       usageRepo,
		Anomalies:   anomalyRepo,
		Metering:    service,
		TopUps:      topup.NewReconciler(db.NewTopUpRepository(), m),
		Metrics:     m,
		Queues:      queues,
		TokenSecret: []byte(cfg.Auth.TokenSecret),
	})

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Provider.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Wallet service listening", "addr", addr, "providers", router.Names())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Shutting down server", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// In-flight requests finish before the deferred worker stops flush the queues
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
	return nil
}

func buildProviders(cfg config.ProviderConfig) (*providers.Router, error) {
	router := providers.NewRouter()

	if cfg.OpenAIAPIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		router.Register(p)
	}

	if cfg.AnthropicAPIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		router.Register(p)
	}

	if len(router.Names()) == 0 {
		return nil, fmt.Errorf("no model provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return router, nil
}

func queueConfig(cfg config.QueueConfig, name string) *queue.Config {
	qc := queue.DefaultConfig(name)
	qc.UseRedis = cfg.UseRedis
	qc.BatchSize = cfg.BatchSize
	qc.BatchTimeout = cfg.BatchTimeout
	qc.MaxRetries = cfg.MaxRetries
	qc.RetryBackoff = cfg.RetryBackoff
	return qc
}
