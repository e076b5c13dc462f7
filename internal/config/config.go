package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// minVisibilityTimeout keeps queue heartbeats, sent every third of the
// visibility timeout, at one per second or slower
const minVisibilityTimeout = 3 * time.Second

// Config holds all configuration for agentpipe
type Config struct {
	// Server configuration
	HTTPPort int    `env:"AGENTPIPE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"AGENTPIPE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Redis     RedisConfig
	Store     StoreConfig
	Queue     QueueConfig
	Events    EventsConfig
	LLM       LLMConfig
	Workers   WorkerConfig
	Timeouts  TimeoutConfig
	Telemetry TelemetryConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// StoreConfig selects the run, pipeline and credential store
type StoreConfig struct {
	Backend    string `env:"STORE_BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"agentpipe.db"`
	// TTL applies to runs kept in Redis; zero keeps them forever
	TTL time.Duration `env:"STORE_TTL" envDefault:"168h"`
}

// QueueConfig selects the job queue
type QueueConfig struct {
	Backend string `env:"QUEUE_BACKEND" envDefault:"redis"`
	// VisibilityTimeout is how long a delivery survives without a worker
	// heartbeat before another worker reclaims it
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"15m"`
	PollWait          time.Duration `env:"QUEUE_POLL_WAIT" envDefault:"2s"`
	ConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
}

// EventsConfig selects the run event bus
type EventsConfig struct {
	// Backend "redis" relays events between processes over Pub/Sub
	Backend          string `env:"EVENTS_BACKEND" envDefault:"memory"`
	SubscriberBuffer int    `env:"EVENTS_SUBSCRIBER_BUFFER" envDefault:"256"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	DefaultMaxTokens int           `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
	RequestTimeout   time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	MaxRetries          int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"5s"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	ReclaimInterval     time.Duration `env:"WORKER_RECLAIM_INTERVAL" envDefault:"1m"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RunExecutionTimeout  time.Duration `env:"TIMEOUT_RUN_EXECUTION" envDefault:"3600s"` // 1 hour
	StepExecutionTimeout time.Duration `env:"TIMEOUT_STEP_EXECUTION" envDefault:"300s"` // 5 minutes
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// TelemetryConfig holds tracing configuration. Tracing is off without an endpoint.
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"agentpipe"`
	Insecure     bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
}

// Load reads configuration from a .env file, if present, and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid store backend: %s (must be sqlite, redis, or memory)", c.Store.Backend)
	}
	if c.Queue.Backend != BackendRedis && c.Queue.Backend != BackendMemory {
		return fmt.Errorf("invalid queue backend: %s (must be redis or memory)", c.Queue.Backend)
	}
	if c.Events.Backend != BackendRedis && c.Events.Backend != BackendMemory {
		return fmt.Errorf("invalid events backend: %s (must be redis or memory)", c.Events.Backend)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Queue.VisibilityTimeout < minVisibilityTimeout {
		return fmt.Errorf("queue visibility timeout must be at least %s", minVisibilityTimeout)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("worker max retries must not be negative")
	}
	if c.LLM.DefaultMaxTokens < 1 {
		return fmt.Errorf("LLM default max tokens must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis || c.Queue.Backend == BackendRedis || c.Events.Backend == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
