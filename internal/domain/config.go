package domain

import (
	"os"
	"strconv"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Signals    SignalsConfig    `json:"signals"`
	Repository RepositoryConfig `json:"repository"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Screening behavior
	Scoring   ScoringConfig   `json:"scoring"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Worker    WorkerConfig    `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig holds thresholds for the rule-based scorer.
type ScoringConfig struct {
	// SuspiciousAmountThreshold marks single transactions worth review.
	SuspiciousAmountThreshold float64 `json:"suspiciousAmountThreshold"`

	// MaxFailedAttemptsPerHour is the failed-attempt count that maxes out
	// the failed-attempt rule.
	MaxFailedAttemptsPerHour int64 `json:"maxFailedAttemptsPerHour"`

	// MaxRecentTransactions is the burst size that maxes out the velocity rule.
	MaxRecentTransactions int `json:"maxRecentTransactions"`

	// AlertThreshold is the aggregate score at or above which an event alerts.
	AlertThreshold float64 `json:"alertThreshold"`
}

// RateLimitConfig holds the ingest rate-limit parameters.
type RateLimitConfig struct {
	Requests int64         `json:"requests"`
	Window   time.Duration `json:"window"`
}

// WorkerConfig holds analysis worker settings.
type WorkerConfig struct {
	BatchSize    int           `json:"batchSize"`
	PollInterval time.Duration `json:"pollInterval"`

	// FlagDuration is how long an alerting user stays flagged.
	FlagDuration time.Duration `json:"flagDuration"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// DefaultConfig returns a development configuration: in-memory signal
// store, SQLite persistence, channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Signals: SignalsConfig{
			Backend:   "memory",
			OpTimeout: 3 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			SuspiciousAmountThreshold: 10000.0,
			MaxFailedAttemptsPerHour:  5,
			MaxRecentTransactions:     10,
			AlertThreshold:            0.8,
		},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   60 * time.Second,
		},
		Worker: WorkerConfig{
			BatchSize:    10,
			PollInterval: 500 * time.Millisecond,
			FlagDuration: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProdConfig returns a production configuration: Redis signal store,
// PostgreSQL persistence, NATS event bus.
func ProdConfig() *Config {
	cfg := DefaultConfig()
	cfg.Signals = SignalsConfig{
		Backend:   "redis",
		RedisAddr: "localhost:6379",
		OpTimeout: 3 * time.Second,
	}
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	return cfg
}

// ApplyEnv overrides configuration from KESTREL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		c.Signals.Backend = "redis"
		c.Signals.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		c.Signals.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_DATABASE_DRIVER"); v != "" {
		c.Repository.Driver = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		c.EventBus.Type = "nats"
		c.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.RateLimit.Requests = n
		}
	}
	if v := os.Getenv("KESTREL_ALERT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Scoring.AlertThreshold = f
		}
	}
}
