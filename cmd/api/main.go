package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediaforge/jobs-api/internal/config"
	"github.com/mediaforge/jobs-api/internal/engine"
	httpserver "github.com/mediaforge/jobs-api/internal/http"
	"github.com/mediaforge/jobs-api/internal/http/handlers"
	"github.com/mediaforge/jobs-api/internal/metrics"
	"github.com/mediaforge/jobs-api/internal/realtime"
	"github.com/mediaforge/jobs-api/internal/repository"
	"github.com/mediaforge/jobs-api/internal/retention"
	"github.com/mediaforge/jobs-api/internal/service"
	"github.com/mediaforge/jobs-api/internal/storage"
)

func main() {
	logger := log.New(os.Stdout, "[media-api] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.NewStore(cfg.UploadsDir, cfg.OutputsDir)
	if err := store.EnsureDirs(); err != nil {
		logger.Fatalf("failed to prepare storage dirs: %v", err)
	}

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	collector := metrics.New()
	registry := realtime.NewRegistry()
	collector.TrackConnections(registry.Len)
	broadcaster, broadcasterCloser := setupBroadcaster(ctx, cfg, registry, logger)
	defer broadcasterCloser()

	ffmpeg := engine.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	jobsService := service.NewJobsService(service.JobsDependencies{
		Repo:          repo,
		Storage:       store,
		Engine:        ffmpeg,
		Broadcaster:   broadcaster,
		Recorder:      collector,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	})
	api := handlers.NewAPI(handlers.APIDependencies{
		Jobs:           jobsService,
		Files:          store,
		Thumbnailer:    ffmpeg,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Progress:       realtime.NewWSHandler(registry, cfg.CORSAllowedOrigins, cfg.WSWriteTimeout(), logger),
		Metrics:        collector.Handler(),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.RetentionEnabled {
		sweeper := retention.NewSweeper(retention.Config{
			Dirs:     store.Dirs(),
			MaxAge:   cfg.RetentionMaxAge(),
			Schedule: cfg.RetentionSchedule,
			Logger:   logger,
			OnSweep: func(report retention.Report) {
				collector.SweepFinished(report.Removed, report.Failed)
			},
		})
		if err := sweeper.Start(ctx); err != nil {
			logger.Printf("retention sweeper not started: %v", err)
		}
	} else {
		logger.Printf("retention sweeper disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repository")
		return repository.NewMemoryJobsRepository(), func() {}
	}

	pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres repository, fallback to memory: %v", err)
		return repository.NewMemoryJobsRepository(), func() {}
	}
	logger.Printf("postgres repository initialized")
	return pgRepo, func() {
		pgRepo.Close()
	}
}

// setupBroadcaster fans progress out through redis when configured so every
// API replica reaches its own websocket clients.
func setupBroadcaster(
	ctx context.Context,
	cfg config.Config,
	registry *realtime.Registry,
	logger *log.Logger,
) (service.Broadcaster, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, broadcasting to local connections only")
		return registry, func() {}
	}

	relay, err := realtime.NewRedisRelay(ctx, realtime.RedisRelayConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Channel:  cfg.RedisProgressChannel,
	}, registry, logger)
	if err != nil {
		logger.Printf("failed to initialize redis progress relay, fallback to local: %v", err)
		return registry, func() {}
	}

	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("redis progress relay stopped: %v", err)
		}
	}()
	logger.Printf("redis progress relay initialized channel=%s", cfg.RedisProgressChannel)
	return relay, func() {
		_ = relay.Close()
	}
}
