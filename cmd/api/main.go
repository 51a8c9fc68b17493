package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/awaaztwin/internal/api"
	"github.com/nikhilbhutani/awaaztwin/internal/api/handlers"
	"github.com/nikhilbhutani/awaaztwin/internal/cache"
	"github.com/nikhilbhutani/awaaztwin/internal/config"
	"github.com/nikhilbhutani/awaaztwin/internal/database"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
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

	// Redis connection (readiness reports it if it goes away later)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, dispatch will fail until it returns", "error", err)
	}
	defer rdb.Close()

	objects, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("storage unavailable", "error", err)
		os.Exit(1)
	}

	// The API only reads the engine table; adapters are never constructed here.
	engines, err := engine.NewRegistry(cfg.Engines)
	if err != nil {
		slog.Error("invalid engine table", "error", err)
		os.Exit(1)
	}

	queueClient := queue.NewClient(cfg.Redis, cfg.Queue)
	defer queueClient.Close()
	inspector := queue.NewInspector(cfg.Redis)
	defer inspector.Close()

	router := api.NewRouter(cfg, api.Deps{
		Records:    records,
		Objects:    objects,
		Dispatcher: queueClient,
		Engines:    engines,
		Queues:     inspector,
		Checks: map[string]handlers.Pinger{
			"database": records,
			"redis":    cache.NewCache(rdb),
		},
		Gatherer: prometheus.DefaultGatherer,
	})
	defer router.Close()
	handler := router.Setup()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "engines", engines.ListAvailable())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
