package config

import (
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hibiken/asynq"
)

type Config struct {
	API      APIConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Detector DetectorConfig
	Billing  BillingConfig
	Webhook  WebhookConfig
	Sampling SamplingConfig
	Tracing  TracingConfig
}

type APIConfig struct {
	Addr               string        `env:"LOGOLENS_API_ADDR"     envDefault:":8080"`
	RateLimitPerMinute int           `env:"LOGOLENS_RATE_LIMIT"   envDefault:"120"`
	UploadURLExpiry    time.Duration `env:"LOGOLENS_UPLOAD_URL_EXPIRY" envDefault:"15m"`
}

type QueueConfig struct {
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	Name          string `env:"ASYNQ_QUEUE"    envDefault:"default"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `env:"WORKER_CONCURRENCY"     envDefault:"0"`
	MaxActiveJobs  int    `env:"WORKER_MAX_ACTIVE_JOBS" envDefault:"0"`
	ScratchDir     string `env:"WORKER_SCRATCH_DIR"     envDefault:"/tmp/logolens"`
	FFmpegPath     string `env:"FFMPEG_PATH"            envDefault:"ffmpeg"`
	FFprobePath    string `env:"FFPROBE_PATH"           envDefault:"ffprobe"`
	FrameMaxEdge   int    `env:"FRAME_MAX_EDGE"         envDefault:"1280"`
	FrameQuality   int    `env:"FRAME_JPEG_QUALITY"     envDefault:"85"`
	MetricsAddr    string `env:"WORKER_METRICS_ADDR"    envDefault:":9090"`
	HealthEndpoint string `env:"WORKER_HEALTH_ENDPOINT" envDefault:"/healthz"`
}

type StorageConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT"   envDefault:"localhost:9000"`
	AccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	Bucket    string `env:"MINIO_BUCKET"     envDefault:"logolens-media"`
	UseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory store, useful for local development.
	DSN string `env:"POSTGRES_DSN" envDefault:""`
}

type DetectorConfig struct {
	Endpoint      string        `env:"DETECTOR_ENDPOINT"       envDefault:"http://localhost:9200/v1/detect"`
	APIKey        string        `env:"DETECTOR_API_KEY"        envDefault:""`
	Timeout       time.Duration `env:"DETECTOR_TIMEOUT"        envDefault:"30s"`
	MinConfidence float64       `env:"DETECTOR_MIN_CONFIDENCE" envDefault:"0.5"`
}

type BillingConfig struct {
	Endpoint      string `env:"BILLING_ENDPOINT"       envDefault:""`
	SigningSecret string `env:"BILLING_SIGNING_SECRET" envDefault:""`
}

type WebhookConfig struct {
	SigningSecret string        `env:"WEBHOOK_SIGNING_SECRET" envDefault:""`
	Timeout       time.Duration `env:"WEBHOOK_TIMEOUT"        envDefault:"10s"`
	MaxAttempts   int           `env:"WEBHOOK_MAX_ATTEMPTS"   envDefault:"3"`
}

type SamplingConfig struct {
	MinRate float64 `env:"SAMPLING_MIN_RATE" envDefault:"1"`
	MaxRate float64 `env:"SAMPLING_MAX_RATE" envDefault:"30"`
}

type TracingConfig struct {
	Exporter     string `env:"TRACE_EXPORTER"      envDefault:"none"`
	OTLPEndpoint string `env:"TRACE_OTLP_ENDPOINT" envDefault:""`
	OTLPInsecure bool   `env:"TRACE_OTLP_INSECURE" envDefault:"false"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if cfg.Worker.MaxActiveJobs <= 0 {
		cfg.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}
	return cfg, nil
}
