// Command speculumd runs the crawl orchestration service: the HTTP
// API, the crawl engine, and the periodic scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/api"
	"github.com/speculum/speculum/internal/archive"
	gcsstore "github.com/speculum/speculum/internal/blobstore/gcs"
	localstore "github.com/speculum/speculum/internal/blobstore/local"
	memstore "github.com/speculum/speculum/internal/blobstore/memory"
	"github.com/speculum/speculum/internal/clock/system"
	"github.com/speculum/speculum/internal/config"
	"github.com/speculum/speculum/internal/engine"
	"github.com/speculum/speculum/internal/id/uuid"
	"github.com/speculum/speculum/internal/live"
	"github.com/speculum/speculum/internal/logging"
	"github.com/speculum/speculum/internal/metrics"
	"github.com/speculum/speculum/internal/publisher/pubsub"
	"github.com/speculum/speculum/internal/registry/memory"
	"github.com/speculum/speculum/internal/registry/postgres"
	"github.com/speculum/speculum/internal/runner"
	"github.com/speculum/speculum/internal/scheduler"
	"github.com/speculum/speculum/internal/snapshot"
)

const (
	httpShutdownTimeout   = 10 * time.Second
	engineShutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	jobs, closeJobs, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	defer closeJobs()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}

	clk := system.New()
	liveReg := live.NewRegistry(cfg.GracePeriod(), clk, logger.Named("live"))
	toolRunner := runner.New(cfg.StallTimeout(), cfg.GracePeriod(), logger.Named("runner"))

	timeouts := archive.NewTimeoutPolicy(cfg.Timeouts.LargeDomains)
	timeouts.ShortBudget = time.Duration(cfg.Timeouts.ShortBudgetMinutes) * time.Minute
	timeouts.LongBudget = time.Duration(cfg.Timeouts.LongBudgetMinutes) * time.Minute
	timeouts.VideoMultiplier = cfg.Timeouts.VideoMultiplier
	timeouts.SnapshotBudget = time.Duration(cfg.Timeouts.SnapshotMinutes) * time.Minute
	timeouts.LargeSizeBytes = int64(cfg.Timeouts.LargeSizeMB) << 20

	retry := &archive.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Ladder:      cfg.BackoffLadder(),
	}

	opts := []engine.Option{engine.WithBlobStore(blobs)}

	if cfg.PubSub.Enabled {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubsub.New(client, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher: %w", err)
		}
		defer pub.Close() //nolint:errcheck // flushed on shutdown
		opts = append(opts, engine.WithPublisher(pub))
	}

	if cfg.Snapshot.Enabled {
		capturer, err := snapshot.New(snapshot.Config{}, blobs, logger.Named("snapshot"))
		if err != nil {
			return fmt.Errorf("snapshot capturer: %w", err)
		}
		defer capturer.Close()
		opts = append(opts, engine.WithSnapshotter(capturer))
	}

	eng := engine.New(
		engine.Config{
			MirrorsBase:     cfg.Mirrors.BasePath,
			WgetBin:         cfg.Tools.Wget,
			YtdlpBin:        cfg.Tools.Ytdlp,
			CaptureBin:      cfg.Tools.Capture,
			CompletionTopic: cfg.PubSub.TopicName,
		},
		jobs, liveReg, toolRunner, timeouts, retry, clk, uuid.New(), logger.Named("engine"),
		opts...,
	)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Config{
			DueSpec:    cfg.Scheduler.DueSpec,
			RetrySpec:  cfg.Scheduler.RetrySpec,
			StuckSpec:  cfg.Scheduler.StuckSpec,
			RetryBatch: cfg.Scheduler.RetryBatch,
			StuckAfter: cfg.StuckAfter(),
		}, jobs, eng, clk, logger.Named("scheduler"))
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := api.NewServer(eng, api.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		APIKey:  cfg.Auth.APIKey,
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	engineCtx, cancelEngine := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancelEngine()
	if err := eng.Shutdown(engineCtx); err != nil {
		logger.Warn("engine shutdown incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildRegistry selects postgres when a DSN is configured and the
// in-memory registry otherwise.
func buildRegistry(ctx context.Context, cfg config.Config) (archive.JobRegistry, func(), error) {
	if cfg.Registry.DSN == "" {
		return memory.NewRegistry(), func() {}, nil
	}
	reg, err := postgres.NewRegistry(ctx, postgres.Config{
		DSN:      cfg.Registry.DSN,
		MaxConns: int32(cfg.Registry.MaxOpenConns),
		MinConns: int32(cfg.Registry.MinOpenConns),
	})
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (archive.BlobStore, error) {
	switch cfg.BlobStore.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		return gcsstore.New(client, cfg.BlobStore.GCSBucket, cfg.BlobStore.Prefix)
	case "memory":
		return memstore.New(), nil
	default:
		return localstore.New(cfg.BlobStore.LocalPath, cfg.BlobStore.Prefix)
	}
}
