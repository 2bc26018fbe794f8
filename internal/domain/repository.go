package domain

import (
	"context"
	"time"
)

// Repository defines the interface for payment event persistence.
type Repository interface {
	// Payment event operations
	SaveEvent(ctx context.Context, event *PaymentEvent) error
	GetEvent(ctx context.Context, transactionID string) (*PaymentEvent, error)
	ListEventsByUser(ctx context.Context, userID string, since time.Time) ([]*PaymentEvent, error)
	CountEventsByUser(ctx context.Context, userID string, since time.Time) (int64, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
