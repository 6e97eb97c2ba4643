package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"

	"jobqueue/internal/logging"
)

// Config holds runtime configuration for the serve command.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/jobs.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	QueueBackend      string        `env:"QUEUE_BACKEND" envDefault:"memory"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	QueuePrefix       string        `env:"QUEUE_PREFIX" envDefault:"jobqueue"`
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"250ms"`

	WorkerCount      int           `env:"WORKER_COUNT" envDefault:"2"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" envDefault:"500ms"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	InterruptGrace   time.Duration `env:"INTERRUPT_GRACE" envDefault:"2s"`
	PruneInterval    time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`
	PruneAge         time.Duration `env:"PRUNE_AGE" envDefault:"24h"`

	// WorkerName defaults to the hostname.
	WorkerName string `env:"WORKER_NAME"`

	RateLimitEnabled  bool    `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"50"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20"`

	Image ImageConfig
}

// ImageConfig feeds the upscale_image handler.
type ImageConfig struct {
	OutputDir       string        `env:"IMAGE_OUTPUT_DIR" envDefault:"./output"`
	S3Bucket        string        `env:"IMAGE_S3_BUCKET"`
	S3Region        string        `env:"IMAGE_S3_REGION"`
	S3Endpoint      string        `env:"IMAGE_S3_ENDPOINT"`
	S3PathStyle     bool          `env:"IMAGE_S3_PATH_STYLE" envDefault:"false"`
	MaxBytes        int64         `env:"IMAGE_MAX_BYTES" envDefault:"26214400"`
	DownloadTimeout time.Duration `env:"IMAGE_DOWNLOAD_TIMEOUT" envDefault:"30s"`
	DefaultWidth    int           `env:"IMAGE_DEFAULT_WIDTH" envDefault:"0"`
	DefaultHeight   int           `env:"IMAGE_DEFAULT_HEIGHT" envDefault:"0"`
}

// Load reads configuration from environment variables with defaults for local development.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	if c.WorkerCount < 1 {
		errs = multierr.Append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		errs = multierr.Append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = multierr.Append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = multierr.Append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	if c.QueueBackend == "redis" && c.QueuePollInterval <= 0 {
		errs = multierr.Append(errs, errors.New("QUEUE_POLL_INTERVAL must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitCapacity < 1 || c.RateLimitRefill <= 0) {
		errs = multierr.Append(errs, errors.New("rate limit capacity and refill must be positive"))
	}
	if c.ShutdownTimeout < 0 || c.InterruptGrace < 0 {
		errs = multierr.Append(errs, errors.New("shutdown durations must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// UsesRedis reports whether any component needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.QueueBackend == "redis" || c.RateLimitEnabled
}
