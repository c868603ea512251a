package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxConnections           int           `env:"MAX_CONNECTIONS" default:"10000"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	MissedHeartbeatThreshold int           `env:"MISSED_HEARTBEAT_THRESHOLD" default:"3"`
	AllowedOrigins           []string      `env:"ALLOWED_ORIGINS" default:"*"`
	RateLimitWindow          time.Duration `env:"RATE_LIMIT_WINDOW" default:"60s"`
	RateLimitMaxAttempts     int           `env:"RATE_LIMIT_MAX_ATTEMPTS" default:"5"`
	BroadcastDefaultTimeout  time.Duration `env:"BROADCAST_DEFAULT_TIMEOUT" default:"5s"`
	BroadcastMaxConcurrency  int           `env:"BROADCAST_MAX_CONCURRENCY" default:"0"`
	MetricsBufferSize        int           `env:"METRICS_BUFFER_SIZE" default:"4096"`
	SystemSampleInterval     time.Duration `env:"SYSTEM_SAMPLE_INTERVAL" default:"15s"`

	RedisURL          string        `env:"REDIS_URL"`
	NATSURL           string        `env:"NATS_URL"`
	NATSSubject       string        `env:"NATS_SUBJECT" default:"collabpulse.broadcast"`
	NATSWorkers       int           `env:"NATS_WORKERS" default:"8"`
	InstanceID        string        `env:"INSTANCE_ID"`
	InstanceHeartbeat time.Duration `env:"INSTANCE_HEARTBEAT" default:"10s"`

	InternalAPIRate  float64 `env:"INTERNAL_API_RATE" default:"50"`
	InternalAPIBurst int     `env:"INTERNAL_API_BURST" default:"100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"MAX_CONNECTIONS", int64(c.MaxConnections)},
		{"HEARTBEAT_INTERVAL", int64(c.HeartbeatInterval)},
		{"MISSED_HEARTBEAT_THRESHOLD", int64(c.MissedHeartbeatThreshold)},
		{"RATE_LIMIT_WINDOW", int64(c.RateLimitWindow)},
		{"RATE_LIMIT_MAX_ATTEMPTS", int64(c.RateLimitMaxAttempts)},
		{"BROADCAST_DEFAULT_TIMEOUT", int64(c.BroadcastDefaultTimeout)},
		{"METRICS_BUFFER_SIZE", int64(c.MetricsBufferSize)},
		{"SYSTEM_SAMPLE_INTERVAL", int64(c.SystemSampleInterval)},
		{"INSTANCE_HEARTBEAT", int64(c.InstanceHeartbeat)},
		{"NATS_WORKERS", int64(c.NATSWorkers)},
		{"INTERNAL_API_BURST", int64(c.InternalAPIBurst)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if c.BroadcastMaxConcurrency < 0 {
		return errors.New("BROADCAST_MAX_CONCURRENCY must not be negative")
	}
	if c.InternalAPIRate <= 0 {
		return errors.New("INTERNAL_API_RATE must be positive")
	}

	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return errors.New("REDIS_URL must be a redis:// or rediss:// URL")
		}
	}

	if c.IsProduction() && slices.Contains(c.AllowedOrigins, "*") {
		return errors.New("ALLOWED_ORIGINS=* is not allowed in production")
	}

	return nil
}
