package domain

import (
	"context"
	"errors"
	"time"
)

// Signal store errors. Callers must be able to tell an unreachable store
// apart from a legitimately absent record: conflating the two would make
// fraud signals silently disappear during an outage.
var (
	// ErrStoreUnavailable indicates the backing store could not be reached
	// or the operation timed out.
	ErrStoreUnavailable = errors.New("signal store unavailable")

	// ErrMalformedRecord indicates a stored payload could not be decoded.
	ErrMalformedRecord = errors.New("malformed signal record")

	// ErrInvalidArgument indicates a caller-supplied value was rejected
	// before any store interaction.
	ErrInvalidArgument = errors.New("invalid argument")
)

// SignalStore exposes atomic, typed operations over per-user fraud signals.
// All state lives in one shared backend with native per-key expiration; the
// store holds no mutable state beyond the reused connection handle, so any
// number of request handlers and consumers may call it concurrently.
//
// Multi-step mutations (transaction log append+trim+expire, failed-attempt
// increment, rate-limit check) execute as single indivisible batches in the
// backend. Getters return the documented absent value for missing or expired
// keys, never an error.
type SignalStore interface {
	// RecordTransaction appends a summary to the user's transaction log,
	// trims the log to the most recent entries, and refreshes its TTL as
	// one atomic batch.
	RecordTransaction(ctx context.Context, userID string, tx *TransactionSummary) error

	// RecentTransactions returns up to count entries, newest first.
	// An absent log yields an empty slice.
	RecentTransactions(ctx context.Context, userID string, count int) ([]TransactionSummary, error)

	// RecordFailedAttempt increments the user's failed-attempt counter.
	// The counting window is anchored at the first failure: the TTL is set
	// only when the counter is created, not refreshed on later increments.
	RecordFailedAttempt(ctx context.Context, userID string) error

	// FailedAttemptCount returns the counter for the current window, or 0.
	FailedAttemptCount(ctx context.Context, userID string) (int64, error)

	// IsRateLimited reports whether identifier has exhausted limit calls
	// within the window. A fresh window initializes the counter to 1 and
	// returns false; a counter at or above limit returns true without
	// incrementing. The check-and-increment is a single atomic unit.
	IsRateLimited(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, error)

	// CacheRiskScore stores a score in [0,1] with overwrite semantics.
	CacheRiskScore(ctx context.Context, userID string, score float64, ttl time.Duration) error

	// CachedRiskScore returns the cached score and whether one exists.
	CachedRiskScore(ctx context.Context, userID string) (float64, bool, error)

	// FlagSuspicious creates or overwrites the user's suspicion flag. The
	// stored expiry timestamp and the key TTL are derived from the same
	// instant, so the flag leaves both views simultaneously.
	FlagSuspicious(ctx context.Context, userID, reason string, duration time.Duration) error

	// IsSuspicious reports whether the user is currently flagged and why.
	IsSuspicious(ctx context.Context, userID string) (bool, string, error)

	// Unflag removes the suspicion flag ahead of its TTL. Unflagging an
	// unflagged user is a no-op.
	Unflag(ctx context.Context, userID string) error

	// CachePattern stores an opaque JSON-serializable analysis result.
	CachePattern(ctx context.Context, key string, result any, ttl time.Duration) error

	// CachedPattern decodes a cached result into out and reports whether
	// the key existed.
	CachedPattern(ctx context.Context, key string, out any) (bool, error)

	// EnqueueForAnalysis appends a job to the tail of the global FIFO
	// analysis queue. Queue entries never expire.
	EnqueueForAnalysis(ctx context.Context, job *AnalysisJob) error

	// DequeueBatch atomically removes and returns up to max jobs from the
	// head of the queue. Concurrent consumers never receive the same entry.
	DequeueBatch(ctx context.Context, max int) ([]AnalysisJob, error)

	// StoreSessionRisk stores a per-session risk snapshot, overwriting any
	// previous snapshot.
	StoreSessionRisk(ctx context.Context, sessionID string, risk *SessionRisk, ttl time.Duration) error

	// SessionRisk returns the snapshot for a session, or nil if absent.
	SessionRisk(ctx context.Context, sessionID string) (*SessionRisk, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TransactionSummary is one entry in a user's rolling transaction log.
type TransactionSummary struct {
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	MerchantID    string    `json:"merchantId,omitempty"`
	Status        string    `json:"status,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// SuspicionFlag is the stored payload behind a suspicious-user key.
type SuspicionFlag struct {
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AnalysisJob is a queued unit of work for the scoring pipeline.
type AnalysisJob struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Event      *PaymentEvent  `json:"event"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionRisk is a per-session risk snapshot, overwritten wholesale.
type SessionRisk struct {
	SessionID   string         `json:"sessionId"`
	Score       float64        `json:"score"`
	Reasons     []string       `json:"reasons,omitempty"`
	EventCount  int            `json:"eventCount"`
	LastEventAt time.Time      `json:"lastEventAt"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// SignalsConfig holds configuration for signal store initialization.
type SignalsConfig struct {
	// Backend is the store backend: "memory" or "redis"
	Backend string

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// OpTimeout bounds every round trip to the backend.
	OpTimeout time.Duration

	// Default TTLs. Zero values fall back to the package defaults.
	TransactionLogTTL    time.Duration
	FailedAttemptWindow  time.Duration
	RiskScoreTTL         time.Duration
	PatternTTL           time.Duration
	SessionRiskTTL       time.Duration
	TransactionLogLength int
}

// Default retention values for signal records.
const (
	DefaultTransactionLogTTL    = 7 * 24 * time.Hour
	DefaultFailedAttemptWindow  = time.Hour
	DefaultRiskScoreTTL         = 30 * time.Minute
	DefaultPatternTTL           = time.Hour
	DefaultSessionRiskTTL       = time.Hour
	DefaultTransactionLogLength = 50
)
