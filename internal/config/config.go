package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration, loaded once at startup from the
// environment. Components receive the fields they need explicitly -- none
// of them reach back into this struct as a global.
type Config struct {
	// Server
	Port          string        `envconfig:"PORT" default:"8080"`
	ReadTimeout   time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis backs the rate-limit fast path
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS is optional: audit/DLQ fan-out is skipped when empty
	NATSURL string `envconfig:"NATS_URL"`

	// Scheduler (component B)
	SchedulerTick      time.Duration `envconfig:"SCHEDULER_TICK" default:"1s"`
	SchedulerBatchSize int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"32"`

	// Dispatcher (component C)
	DispatcherWorkers int           `envconfig:"DISPATCHER_WORKERS" default:"4"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	DefaultMaxRetries int           `envconfig:"DEFAULT_MAX_RETRIES" default:"3"`

	// Retention sweep
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"24h"`
	RetentionAge      time.Duration `envconfig:"RETENTION_AGE" default:"2160h"` // 90 days

	// Rate limiting defaults, per scope (requests per window)
	RequestRateLimit int           `envconfig:"REQUEST_RATE_LIMIT" default:"600"`
	AuthRateLimit    int           `envconfig:"AUTH_RATE_LIMIT" default:"20"`
	AdminRateLimit   int           `envconfig:"ADMIN_RATE_LIMIT" default:"120"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1h"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
