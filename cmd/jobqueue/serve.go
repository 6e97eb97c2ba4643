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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/controller"
	"jobqueue/internal/handler"
	"jobqueue/internal/handlers"
	"jobqueue/internal/logging"
	"jobqueue/internal/queue"
	"jobqueue/internal/ratelimit"
	"jobqueue/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Long:  "Run the HTTP API and the worker pool. Configuration is read from the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.Env)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, cfg.PostgresDSN, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	var q queue.Queue = queue.NewMemory()
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedis(rdb, cfg.QueuePrefix, cfg.QueuePollInterval)
	}

	upscale, err := handlers.NewUpscale(ctx, handlers.ImageOptions{
		OutputDir:       cfg.Image.OutputDir,
		S3Bucket:        cfg.Image.S3Bucket,
		S3Region:        cfg.Image.S3Region,
		S3Endpoint:      cfg.Image.S3Endpoint,
		S3PathStyle:     cfg.Image.S3PathStyle,
		MaxBytes:        cfg.Image.MaxBytes,
		DownloadTimeout: cfg.Image.DownloadTimeout,
		DefaultWidth:    cfg.Image.DefaultWidth,
		DefaultHeight:   cfg.Image.DefaultHeight,
	})
	if err != nil {
		return fmt.Errorf("init image handler: %w", err)
	}
	registry := handler.NewRegistry()
	if err := handlers.Register(registry, upscale); err != nil {
		return err
	}

	workerName := cfg.WorkerName
	if workerName == "" {
		workerName, _ = os.Hostname()
	}
	if workerName == "" {
		workerName = fmt.Sprintf("worker-%d", os.Getpid())
	}
	ctrl := controller.New(st, q, registry, logger.Named("controller"), controller.Options{
		Workers:          cfg.WorkerCount,
		MaxAttempts:      cfg.MaxAttempts,
		ProgressInterval: cfg.ProgressInterval,
		InterruptGrace:   cfg.InterruptGrace,
		PruneInterval:    cfg.PruneInterval,
		PruneAge:         cfg.PruneAge,
		WorkerName:       workerName,
		SharedStore:      cfg.StoreDriver == "postgres",
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	var limiter api.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.QueuePrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(ctrl, limiter, logger.Named("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreDriver),
			zap.String("queue", cfg.QueueBackend),
			zap.Strings("job_types", registry.Types()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			httpServer.Shutdown(shutdownCtx),
			ctrl.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
