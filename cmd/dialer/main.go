package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callhive/dialer/internal/config"
	"github.com/callhive/dialer/internal/domain"
	httpserver "github.com/callhive/dialer/internal/http"
	"github.com/callhive/dialer/internal/http/handlers"
	"github.com/callhive/dialer/internal/orchestrator"
	"github.com/callhive/dialer/internal/provider"
	"github.com/callhive/dialer/internal/quota"
	"github.com/callhive/dialer/internal/repository"
	"github.com/callhive/dialer/internal/settings"
	"github.com/callhive/dialer/internal/worker"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.WithError(err).Warn("failed loading .env files")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defaults := domain.CallSettings{
		MaxCallDuration: time.Duration(cfg.DefaultMaxCallDurationSeconds) * time.Second,
		RingTimeout:     time.Duration(cfg.DefaultRingTimeoutSeconds) * time.Second,
		MaxAttempts:     cfg.DefaultMaxAttempts,
		RetryDelay:      time.Duration(cfg.DefaultRetryDelaySeconds) * time.Second,
	}

	jobs, batchSource, repoCloser := setupRepositories(ctx, cfg, logger)
	defer repoCloser()

	batchCache, cacheCloser := setupSettingsCache(ctx, cfg, batchSource, logger)
	defer cacheCloser()

	calls := provider.NewHTTPClient(provider.HTTPClientConfig{
		BaseURL:    cfg.ProviderBaseURL,
		APIKey:     cfg.ProviderAPIKey,
		Timeout:    time.Duration(cfg.ProviderTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.ProviderMaxRetries,
	})
	if !calls.Available() {
		logger.Warn("PROVIDER_API_KEY not configured, call creation will fail until set")
	}

	guard := quota.NewGuard(setupBalanceReader(cfg, logger), cfg.QuotaMinUnit)

	leaseDuration := time.Duration(cfg.LeaseDurationSeconds) * time.Second
	dialLimiter := rate.NewLimiter(rate.Limit(cfg.DialRateRPS), cfg.DialRateBurst)
	orch := orchestrator.New(jobs, calls, dialLimiter, logger, orchestrator.Config{
		AgentID:       cfg.ProviderAgentID,
		PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
		LeaseDuration: leaseDuration,
	})

	poolDone := make(chan struct{})
	if cfg.WorkerEnabled {
		pool := worker.NewPool(jobs, batchCache, guard, orch, logger, worker.Config{
			Workers:       cfg.WorkerCount,
			LeaseDuration: leaseDuration,
			IdleInterval:  time.Duration(cfg.IdleIntervalMS) * time.Millisecond,
			StoreBackoff:  time.Duration(cfg.StoreBackoffMS) * time.Millisecond,
			InfraRetry:    time.Duration(cfg.InfraRetrySeconds) * time.Second,
			PausedRecheck: time.Duration(cfg.PausedRecheckSeconds) * time.Second,
			Defaults:      defaults,
		})
		go func() {
			defer close(poolDone)
			pool.Start(ctx)
		}()
	} else {
		close(poolDone)
		logger.Info("workers disabled by configuration")
	}

	api := handlers.NewAPI(jobs, batchCache, defaults, logger)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server failed")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	<-poolDone
}

func setupRepositories(
	ctx context.Context,
	cfg config.Config,
	logger *logrus.Logger,
) (repository.JobsRepository, repository.BatchesRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory repositories")
		return repository.NewMemoryJobsRepository(cfg.DefaultMaxAttempts),
			repository.NewMemoryBatchesRepository(),
			func() {}
	}

	pgJobs, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL, cfg.DefaultMaxAttempts)
	if err != nil {
		// The lease store is the single source of truth; running without
		// the configured one would silently fork job state.
		logger.WithError(err).Fatal("failed to initialize postgres lease store")
	}
	logger.Info("postgres lease store initialized")
	return pgJobs, repository.NewPostgresBatchesRepository(pgJobs), func() {
		pgJobs.Close()
	}
}

func setupSettingsCache(
	ctx context.Context,
	cfg config.Config,
	source repository.BatchesRepository,
	logger *logrus.Logger,
) (settings.Cache, func()) {
	ttl := time.Duration(cfg.SettingsCacheTTLSeconds) * time.Second

	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not configured, using in-process settings cache")
		return settings.NewMemoryCache(source, ttl), func() {}
	}

	redisCache, err := settings.NewRedisCache(ctx, settings.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      ttl,
	}, source, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize redis settings cache, fallback to in-process")
		return settings.NewMemoryCache(source, ttl), func() {}
	}
	logger.Info("redis settings cache initialized")
	return redisCache, func() {
		_ = redisCache.Close()
	}
}

func setupBalanceReader(cfg config.Config, logger *logrus.Logger) quota.BalanceReader {
	if cfg.BillingBaseURL == "" {
		logger.Warn("BILLING_BASE_URL not configured, treating all accounts as unlimited")
		return quota.NewUnlimitedBalanceReader()
	}
	return quota.NewHTTPBalanceReader(quota.HTTPBalanceReaderConfig{
		BaseURL:   cfg.BillingBaseURL,
		AuthToken: cfg.BillingAuthToken,
		Timeout:   time.Duration(cfg.BillingTimeoutMS) * time.Millisecond,
	})
}
