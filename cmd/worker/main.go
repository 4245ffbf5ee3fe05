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
	"github.com/logolens/logolens/internal/billing"
	"github.com/logolens/logolens/internal/config"
	"github.com/logolens/logolens/internal/detector"
	"github.com/logolens/logolens/internal/lifecycle"
	"github.com/logolens/logolens/internal/preprocess"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/storage"
	"github.com/logolens/logolens/internal/store"
	"github.com/logolens/logolens/internal/telemetry"
	"github.com/logolens/logolens/internal/usage"
	"github.com/logolens/logolens/internal/webhook"
	"github.com/logolens/logolens/internal/worker"
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
		ServiceName:  "logolens-worker",
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

	if err := preprocess.Startup(); err != nil {
		logger.Fatal("start image runtime", zap.Error(err))
	}
	defer preprocess.Shutdown()

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

	reporter := billing.NewClient(billing.Config{
		Endpoint:      cfg.Billing.Endpoint,
		SigningSecret: cfg.Billing.SigningSecret,
	})
	meter := usage.NewMeter(stores, stores, reporter, logger)
	aggregator := aggregate.New(stores, stores, stores, logger)
	manager := lifecycle.NewManager(stores, aggregator, meter, logger)

	det := detector.NewHTTPDetector(detector.Config{
		Endpoint:      cfg.Detector.Endpoint,
		APIKey:        cfg.Detector.APIKey,
		Timeout:       cfg.Detector.Timeout,
		MinConfidence: cfg.Detector.MinConfidence,
	})

	notifier := webhook.NewNotifier(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	}, logger)

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		cfg.Sampling,
		storageClient,
		queueClient,
		manager,
		stores,
		det,
		notifier,
	)
	if err != nil {
		logger.Fatal("create worker server", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr: cfg.Worker.MetricsAddr,
		Handler: func() http.Handler {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", srv.MetricsHandler())
			mux.HandleFunc("GET "+cfg.Worker.HealthEndpoint, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			return mux
		}(),
	}
	go func() {
		logger.Info("worker metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		srv.Shutdown()
	}()

	logger.Info("worker starting",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
	)
	if err := srv.Run(); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
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
