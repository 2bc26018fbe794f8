// Package signals provides the shared, TTL-governed fraud signal store.
//
// All fraud-adjacent state (transaction logs, failed-attempt counters,
// rate-limit counters, risk and pattern caches, suspicion flags, the
// analysis queue, session risk snapshots) lives in one shared backend
// with native per-key expiration. The backend is the sole serialization
// point: every multi-step mutation is submitted as one atomic batch, so
// no application-level locking is needed above it.
package signals

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a signal store based on configuration.
// "memory" returns the process-local store used in development and tests;
// "redis" returns the shared production store.
func New(cfg domain.SignalsConfig) (domain.SignalStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(cfg), nil

	case "redis":
		return NewRedisStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported signal store backend: %s", cfg.Backend)
	}
}

// ttlSet holds the resolved retention durations for each signal kind.
type ttlSet struct {
	transactionLog      time.Duration
	failedAttemptWindow time.Duration
	riskScore           time.Duration
	pattern             time.Duration
	sessionRisk         time.Duration
}

func ttlsFromConfig(cfg domain.SignalsConfig) ttlSet {
	t := ttlSet{
		transactionLog:      cfg.TransactionLogTTL,
		failedAttemptWindow: cfg.FailedAttemptWindow,
		riskScore:           cfg.RiskScoreTTL,
		pattern:             cfg.PatternTTL,
		sessionRisk:         cfg.SessionRiskTTL,
	}
	if t.transactionLog <= 0 {
		t.transactionLog = domain.DefaultTransactionLogTTL
	}
	if t.failedAttemptWindow <= 0 {
		t.failedAttemptWindow = domain.DefaultFailedAttemptWindow
	}
	if t.riskScore <= 0 {
		t.riskScore = domain.DefaultRiskScoreTTL
	}
	if t.pattern <= 0 {
		t.pattern = domain.DefaultPatternTTL
	}
	if t.sessionRisk <= 0 {
		t.sessionRisk = domain.DefaultSessionRiskTTL
	}
	return t
}

func opTimeout(cfg domain.SignalsConfig) time.Duration {
	if cfg.OpTimeout > 0 {
		return cfg.OpTimeout
	}
	return 3 * time.Second
}

func logLength(cfg domain.SignalsConfig) int {
	if cfg.TransactionLogLength > 0 {
		return cfg.TransactionLogLength
	}
	return domain.DefaultTransactionLogLength
}

func requireID(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, name)
	}
	return nil
}
