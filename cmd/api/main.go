package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/processor/internal/api"
	"github.com/nikhilbhutani/processor/internal/cache"
	"github.com/nikhilbhutani/processor/internal/cachestore"
	"github.com/nikhilbhutani/processor/internal/config"
	"github.com/nikhilbhutani/processor/internal/contentstore"
	"github.com/nikhilbhutani/processor/internal/database"
	"github.com/nikhilbhutani/processor/internal/document"
	"github.com/nikhilbhutani/processor/internal/ingest"
	"github.com/nikhilbhutani/processor/internal/logging"
	"github.com/nikhilbhutani/processor/internal/media"
	"github.com/nikhilbhutani/processor/internal/owner"
	"github.com/nikhilbhutani/processor/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg.Log.Level, cfg.Log.Format))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	shared := cache.NewCache(rdb)
	if err := shared.Ping(ctx); err != nil {
		slog.Warn("redis unavailable at startup", "error", err)
	}

	blobs, err := contentstore.New(cfg.Storage.FilesDir)
	if err != nil {
		slog.Error("failed to open content store", "error", err)
		os.Exit(1)
	}
	artifacts, err := cachestore.New(cfg.Storage.CacheDir)
	if err != nil {
		slog.Error("failed to open cache store", "error", err)
		os.Exit(1)
	}

	queueClient := queue.NewClient(cfg.Redis, cfg.Queue, shared)
	defer queueClient.Close()

	owners := owner.NewRepository(db, cfg.Database.OwnerTable)
	if err := owners.Verify(ctx); err != nil {
		slog.Error("owner table not ready", "table", cfg.Database.OwnerTable, "error", err)
		os.Exit(1)
	}

	coord := ingest.NewCoordinator(
		blobs,
		queueClient,
		owners,
		document.NewExtractor(blobs, artifacts, cfg.Queue.TextConcurrency),
		shared,
		ingest.Options{
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			MaxQueueDepth:  cfg.Queue.MaxDepth,
			OCREnabled:     cfg.OCR.Enabled,
			ImagePresets:   media.PresetNames(),
		},
	)

	router := api.NewRouter(api.Deps{
		Uploader:  coord,
		Blobs:     blobs,
		Artifacts: artifacts,
		Uploads:   shared,
		Jobs:      queueClient.Inspector(),
		Reprocess: coord,
		Queue:     queueClient,
		DB:        db,
		Redis:     shared,
	}, cfg)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 15 * time.Second,
		// Large uploads stream for a while; only headers are bounded.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "ocr_enabled", cfg.OCR.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
