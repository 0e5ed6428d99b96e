// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"llm-jobqueue/internal/config"
	"llm-jobqueue/internal/domain/ports/adapter"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/adapters/ai"
	"llm-jobqueue/internal/infra/auth"
	"llm-jobqueue/internal/infra/db/memory"
	pg "llm-jobqueue/internal/infra/db/postgres"
	"llm-jobqueue/internal/infra/events"
	"llm-jobqueue/internal/infra/logging"
	"llm-jobqueue/internal/infra/metrics"
	red "llm-jobqueue/internal/infra/redis"
	"llm-jobqueue/internal/infra/sched"
	"llm-jobqueue/internal/infra/web"
	"llm-jobqueue/internal/infra/worker"
	"llm-jobqueue/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Storage ----
	var (
		jobs      repository.JobRepository
		txm       repository.TransactionManager
		lock      repository.StoreLock
		reporters []func()
	)
	if cfg.Database.URL != "" {
		pool, err := pg.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		jobs = pg.NewJobRepo(pool)
		txm = pg.NewTxManager(pool)
		lock = pg.NewStoreLock(pool, cfg.Database.LockKey, cfg.Database.LockRetry, logger)
		reporters = append(reporters, func() { pg.ReportPoolStats(pool) })
	} else {
		logger.Warn().Msg("database.url not set; jobs are kept in memory only")
		mem := memory.NewJobRepo()
		jobs, txm, lock = mem, mem, mem.NewLock()
	}

	// ---- Bus, Redis ----
	bus := events.NewBus(cfg.Stream.Buffer, logger)
	var publisher events.Publisher = bus
	var limiter adapter.RateLimiter
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		limiter = red.NewRateLimiter(rc)
		jobs = pg.NewJobRepoCacheDecorator(jobs, rc, cfg.Redis.TTL)

		relay := red.NewEventRelay(rc, cfg.Redis.EventChannel, bus, logger)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	// ---- Compute resource ----
	llm, err := ai.Build(ctx, cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// ---- Dispatcher ----
	var temperature *float64
	if cfg.LLM.Temperature > 0 {
		t := cfg.LLM.Temperature
		temperature = &t
	}
	dispatcher := worker.NewDispatcher(jobs, llm, publisher, worker.Options{
		Concurrency:     cfg.Queue.Concurrency,
		MaxDepth:        cfg.Queue.MaxDepth,
		MinPriority:     cfg.Queue.MinPriority,
		MaxPriority:     cfg.Queue.MaxPriority,
		AgingInterval:   cfg.Queue.AgingInterval,
		LLMTimeout:      cfg.LLM.Timeout,
		InitialEstimate: cfg.Queue.InitialEstimate,
		Provider:        cfg.LLM.Provider,
		DefaultModel:    cfg.LLM.DefaultModel,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     temperature,
		Lock:            lock,
		Tx:              txm,
	}, logger)
	// standbys block here until the active instance goes away
	if err := dispatcher.Claim(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(ctx); errors.Is(err, worker.ErrLockLost) {
			logger.Error().Err(err).Msg("another instance may own the job store; shutting down")
			stop()
		}
	}()

	statsWorker := sched.NewStatsWorker(cfg.Queue.StatsInterval, dispatcher, logger, reporters...)
	go func() { _ = statsWorker.Run(ctx) }()

	// ---- Use cases ----
	jobUC := usecase.NewJobUseCase(dispatcher, jobs, limiter, usecase.JobPolicy{
		DefaultPriority:    cfg.Queue.DefaultPriority,
		MinPriority:        cfg.Queue.MinPriority,
		MaxPriority:        cfg.Queue.MaxPriority,
		RateLimitPerMinute: cfg.Queue.RateLimitPerMinute,
		AskTimeout:         cfg.Queue.AskTimeout,
	}, logger, cfg.Runtime.Dev)
	statsUC := usecase.NewStatsUseCase(jobs, logger)

	// ---- HTTP ----
	identity := auth.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.CookieName, cfg.Auth.Issuer)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	api := web.NewServer(jobUC, statsUC, bus, identity, web.Options{
		RequestTimeout:    cfg.HTTP.RequestTimeout,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		MetricsPath:       metricsPath,
	}, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("provider", cfg.LLM.Provider).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("http server failed")
		stop()
	}
	return shutdown(server, api, dispatchDone, cfg.HTTP.ShutdownTimeout, logger)
}

// shutdown closes streams first so Shutdown is not held open by them, then
// waits for in-flight jobs up to timeout.
func shutdown(server *http.Server, api *web.Server, dispatchDone <-chan struct{}, timeout time.Duration, logger *zerolog.Logger) error {
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	api.CloseStreams()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	select {
	case <-dispatchDone:
	case <-sctx.Done():
		logger.Warn().Msg("in-flight jobs did not finish before the shutdown timeout")
	}
	logger.Info().Msg("bye")
	return nil
}
