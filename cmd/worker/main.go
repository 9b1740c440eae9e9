package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

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
	"github.com/nikhilbhutani/processor/internal/queue/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	shared := cache.NewCache(rdb)

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

	extractor := document.NewExtractor(blobs, artifacts, cfg.Queue.TextConcurrency)
	ocr := document.NewOCR(blobs, artifacts, cfg.OCR, shared)
	if ocr.Enabled() && !ocr.IsAvailable(ctx) {
		slog.Warn("ocr enabled but tesseract is not runnable", "path", cfg.OCR.TesseractPath)
	}

	owners := owner.NewRepository(db, cfg.Database.OwnerTable)
	if err := owners.Verify(ctx); err != nil {
		slog.Error("owner table not ready", "table", cfg.Database.OwnerTable, "error", err)
		os.Exit(1)
	}

	coord := ingest.NewCoordinator(
		blobs,
		queueClient,
		owners,
		extractor,
		shared,
		ingest.Options{
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			OCREnabled:     cfg.OCR.Enabled,
			ImagePresets:   media.PresetNames(),
		},
	)

	registry := queue.NewHandlersRegistry(cfg.Redis, cfg.Queue, logging.NewAsynqLogger(logger))
	workers.RegisterAll(registry,
		workers.NewIngestWorker(coord),
		workers.NewImageWorker(coord, media.NewOptimizer(blobs, artifacts, cfg.Image)),
		workers.NewDocumentWorker(coord, extractor),
		workers.NewOCRWorker(coord, ocr),
	)

	if err := registry.Start(); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.RunJanitor(gctx, queueClient.Inspector(), cfg.Queue.JanitorInterval, cfg.Queue.Retention)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down workers...")
		registry.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("workers stopped")
}
