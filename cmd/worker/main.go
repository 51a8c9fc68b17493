package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/awaaztwin/internal/audio"
	"github.com/nikhilbhutani/awaaztwin/internal/cache"
	"github.com/nikhilbhutani/awaaztwin/internal/config"
	"github.com/nikhilbhutani/awaaztwin/internal/database"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/pipeline"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
	"github.com/nikhilbhutani/awaaztwin/internal/queue/workers"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsPath); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	records := store.NewPostgres(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}

	objects, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("storage unavailable", "error", err)
		os.Exit(1)
	}

	// The engine table is built once and every enabled engine is loaded
	// before the first task is accepted.
	engines, err := engine.NewRegistry(cfg.Engines)
	if err != nil {
		slog.Error("invalid engine table", "error", err)
		os.Exit(1)
	}
	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	err = engines.Warm(warmCtx)
	cancel()
	if err != nil {
		slog.Error("failed to load engines", "error", err)
		os.Exit(1)
	}
	for _, id := range engines.Identities() {
		slog.Info("engine configured",
			"engine", id.Name,
			"family", id.Family,
			"device", id.Device,
			"enabled", id.Enabled,
			"max_concurrent_jobs", id.MaxConcurrentJobs,
			"timeout", id.Timeout.String(),
		)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, "awaaztwin")
	limiter := engine.NewRedisLimiter(rdb, engines.Limits(), cfg.Worker.SlotLease, cfg.Worker.SlotWait)
	normalizer := audio.NewFFmpeg(cfg.Worker.FFmpegPath)

	prep := pipeline.NewVoicePrep(engines, limiter, objects, records, normalizer, metrics, pipeline.VoicePrepConfig{
		MaxSamples:      cfg.Limits.MaxSamplesPerVoice,
		ScratchDir:      cfg.Worker.ScratchDir,
		DownloadWorkers: cfg.Worker.DownloadWorkers,
	})
	synth := pipeline.NewSynthesis(engines, limiter, objects, records, cache.NewCache(rdb), metrics, pipeline.SynthesisConfig{
		MaxTextLength: cfg.Limits.MaxTextLength,
		ScratchDir:    cfg.Worker.ScratchDir,
		LockTTL:       cfg.Worker.LockTTL,
	})

	srv := asynq.NewServer(queue.RedisOpt(cfg.Redis), queue.ServerConfig(cfg.Queue, cfg.Worker.Concurrency))

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeVoicePrep, workers.NewVoicePrepWorker(prep, metrics, cfg.Queue.MaxAttempts))
	registry.Register(queue.TypeSynthesis, workers.NewSynthesisWorker(synth, metrics, cfg.Queue.MaxAttempts))

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(prometheus.DefaultGatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("serving metrics", "addr", cfg.Worker.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	slog.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"queues", queue.Priorities(cfg.Queue),
		"max_attempts", cfg.Queue.MaxAttempts,
		"engines", engines.ListAvailable(),
	)
	// Run blocks until SIGINT or SIGTERM, then drains in-flight tasks.
	if err := srv.Run(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown", "error", err)
	}
	slog.Info("worker stopped")
}
