package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/logolens/logolens/internal/aggregate"
	"github.com/logolens/logolens/internal/api"
	"github.com/logolens/logolens/internal/config"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/ratelimit"
	"github.com/logolens/logolens/internal/sampler"
	"github.com/logolens/logolens/internal/storage"
	"github.com/logolens/logolens/internal/store"
	"github.com/logolens/logolens/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "logolens-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("setup tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal("create storage client", zap.Error(err))
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatal("ensure bucket", zap.Error(err))
	}

	stores, closeStores, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStores()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("close queue client", zap.Error(err))
		}
	}()

	var limiter api.RateLimiter
	if cfg.API.RateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err = ratelimit.NewLimiter(redisClient, cfg.API.RateLimitPerMinute, time.Minute, "")
		if err != nil {
			logger.Fatal("create rate limiter", zap.Error(err))
		}
	}

	app := api.NewServer(
		logger,
		queueClient,
		stores,
		aggregate.New(stores, stores, stores, logger),
		storageClient,
		api.Options{
			PresignTTL:  cfg.API.UploadURLExpiry,
			RateLimiter: limiter,
			Policy:      sampler.Policy{MinRate: cfg.Sampling.MinRate, MaxRate: cfg.Sampling.MaxRate},
		},
	)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("close postgres store", zap.Error(err))
		}
	}, nil
}
