package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is a process-local SignalStore with the same semantics as
// the Redis backend. Used in development and tests; a single mutex stands
// in for the backend's serialization of atomic batches.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]*valueEntry
	counters map[string]*counterEntry
	logs     map[string]*logEntry
	queue    [][]byte
	ttls     ttlSet
	logLen   int
	closed   bool
}

type valueEntry struct {
	data      []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type logEntry struct {
	items     [][]byte // newest first
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory signal store.
func NewMemoryStore(cfg domain.SignalsConfig) *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]*valueEntry),
		counters: make(map[string]*counterEntry),
		logs:     make(map[string]*logEntry),
		ttls:     ttlsFromConfig(cfg),
		logLen:   logLength(cfg),
	}
}

func (s *MemoryStore) errClosed() error {
	return fmt.Errorf("%w: store is closed", domain.ErrStoreUnavailable)
}

// RecordTransaction appends to the user's log, trims it, and refreshes the
// log TTL under one lock acquisition.
func (s *MemoryStore) RecordTransaction(ctx context.Context, userID string, tx *domain.TransactionSummary) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("%w: transaction summary is required", domain.ErrInvalidArgument)
	}

	entry := *tx
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("%w: encode transaction summary: %v", domain.ErrMalformedRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}

	key := keyTransactions + userID
	log := s.logs[key]
	if log == nil || time.Now().After(log.expiresAt) {
		log = &logEntry{}
		s.logs[key] = log
	}
	log.items = append([][]byte{payload}, log.items...)
	if len(log.items) > s.logLen {
		log.items = log.items[:s.logLen]
	}
	log.expiresAt = time.Now().Add(s.ttls.transactionLog)
	return nil
}

// RecentTransactions returns up to count entries, newest first.
func (s *MemoryStore) RecentTransactions(ctx context.Context, userID string, count int) ([]domain.TransactionSummary, error) {
	if err := requireID("userID", userID); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", domain.ErrInvalidArgument, count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.errClosed()
	}

	key := keyTransactions + userID
	log := s.logs[key]
	if log == nil {
		return []domain.TransactionSummary{}, nil
	}
	if time.Now().After(log.expiresAt) {
		delete(s.logs, key)
		return []domain.TransactionSummary{}, nil
	}

	n := count
	if n > len(log.items) {
		n = len(log.items)
	}
	txs := make([]domain.TransactionSummary, 0, n)
	for _, item := range log.items[:n] {
		var tx domain.TransactionSummary
		if err := json.Unmarshal(item, &tx); err != nil {
			slog.Warn("dropping malformed transaction log entry",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// RecordFailedAttempt increments the counter; the window is anchored at
// the first increment.
func (s *MemoryStore) RecordFailedAttempt(ctx context.Context, userID string) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}

	key := keyFailedAttempts + userID
	c := s.counters[key]
	if c == nil || time.Now().After(c.expiresAt) {
		s.counters[key] = &counterEntry{
			count:     1,
			expiresAt: time.Now().Add(s.ttls.failedAttemptWindow),
		}
		return nil
	}
	c.count++
	return nil
}

// FailedAttemptCount returns the counter for the current window, or 0.
func (s *MemoryStore) FailedAttemptCount(ctx context.Context, userID string) (int64, error) {
	if err := requireID("userID", userID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.errClosed()
	}

	key := keyFailedAttempts + userID
	c := s.counters[key]
	if c == nil {
		return 0, nil
	}
	if time.Now().After(c.expiresAt) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.count, nil
}

// IsRateLimited performs check-init-or-increment under one lock
// acquisition, matching the Redis script's atomicity.
func (s *MemoryStore) IsRateLimited(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, error) {
	if err := requireID("identifier", identifier); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, fmt.Errorf("%w: limit must be positive, got %d", domain.ErrInvalidArgument, limit)
	}
	if window <= 0 {
		return false, fmt.Errorf("%w: window must be positive, got %s", domain.ErrInvalidArgument, window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, s.errClosed()
	}

	key := keyRateLimit + identifier
	c := s.counters[key]
	if c == nil || time.Now().After(c.expiresAt) {
		s.counters[key] = &counterEntry{
			count:     1,
			expiresAt: time.Now().Add(window),
		}
		return false, nil
	}
	if c.count >= limit {
		return true, nil
	}
	c.count++
	return false, nil
}

// CacheRiskScore overwrites the user's cached risk score.
func (s *MemoryStore) CacheRiskScore(ctx context.Context, userID string, score float64, ttl time.Duration) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: score must be in [0,1], got %f", domain.ErrInvalidArgument, score)
	}
	if ttl <= 0 {
		ttl = s.ttls.riskScore
	}

	data := []byte(strconv.FormatFloat(score, 'f', -1, 64))
	return s.setValue(keyRiskScore+userID, data, ttl)
}

// CachedRiskScore returns the cached score and whether one exists.
func (s *MemoryStore) CachedRiskScore(ctx context.Context, userID string) (float64, bool, error) {
	if err := requireID("userID", userID); err != nil {
		return 0, false, err
	}

	data, ok, err := s.getValue(keyRiskScore + userID)
	if err != nil || !ok {
		return 0, false, err
	}
	score, perr := strconv.ParseFloat(string(data), 64)
	if perr != nil {
		slog.Warn("malformed cached risk score", "user_id", userID, "error", perr)
		return 0, false, nil
	}
	return score, true, nil
}

// FlagSuspicious creates or overwrites the user's suspicion flag.
func (s *MemoryStore) FlagSuspicious(ctx context.Context, userID, reason string, duration time.Duration) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}
	if reason == "" {
		return fmt.Errorf("%w: reason is required", domain.ErrInvalidArgument)
	}
	if duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %s", domain.ErrInvalidArgument, duration)
	}

	now := time.Now().UTC()
	flag := domain.SuspicionFlag{
		Reason:    reason,
		FlaggedAt: now,
		ExpiresAt: now.Add(duration),
	}
	payload, err := json.Marshal(&flag)
	if err != nil {
		return fmt.Errorf("%w: encode suspicion flag: %v", domain.ErrMalformedRecord, err)
	}

	if err := s.setValue(keySuspicious+userID, payload, duration); err != nil {
		return err
	}

	slog.Warn("user flagged as suspicious",
		"user_id", userID,
		"reason", reason,
		"expires_at", flag.ExpiresAt,
	)
	return nil
}

// IsSuspicious reports whether the user is currently flagged and why.
func (s *MemoryStore) IsSuspicious(ctx context.Context, userID string) (bool, string, error) {
	if err := requireID("userID", userID); err != nil {
		return false, "", err
	}

	data, ok, err := s.getValue(keySuspicious + userID)
	if err != nil || !ok {
		return false, "", err
	}
	var flag domain.SuspicionFlag
	if uerr := json.Unmarshal(data, &flag); uerr != nil {
		slog.Warn("malformed suspicion flag", "user_id", userID, "error", uerr)
		return false, "", nil
	}
	return true, flag.Reason, nil
}

// Unflag removes the suspicion flag ahead of its TTL.
func (s *MemoryStore) Unflag(ctx context.Context, userID string) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}
	delete(s.values, keySuspicious+userID)
	return nil
}

// CachePattern stores an opaque analysis result.
func (s *MemoryStore) CachePattern(ctx context.Context, key string, result any, ttl time.Duration) error {
	if err := requireID("key", key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.ttls.pattern
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode pattern result: %v", domain.ErrMalformedRecord, err)
	}
	return s.setValue(keyPattern+key, payload, ttl)
}

// CachedPattern decodes a cached result into out.
func (s *MemoryStore) CachedPattern(ctx context.Context, key string, out any) (bool, error) {
	if err := requireID("key", key); err != nil {
		return false, err
	}

	data, ok, err := s.getValue(keyPattern + key)
	if err != nil || !ok {
		return false, err
	}
	if uerr := json.Unmarshal(data, out); uerr != nil {
		slog.Warn("malformed cached pattern", "pattern_key", key, "error", uerr)
		return false, nil
	}
	return true, nil
}

// EnqueueForAnalysis appends a job to the tail of the queue.
func (s *MemoryStore) EnqueueForAnalysis(ctx context.Context, job *domain.AnalysisJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidArgument)
	}

	entry := *job
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("%w: encode analysis job: %v", domain.ErrMalformedRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}
	s.queue = append(s.queue, payload)
	return nil
}

// DequeueBatch removes up to max jobs from the queue head.
func (s *MemoryStore) DequeueBatch(ctx context.Context, max int) ([]domain.AnalysisJob, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max must be positive, got %d", domain.ErrInvalidArgument, max)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.errClosed()
	}

	n := max
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]

	jobs := make([]domain.AnalysisJob, 0, n)
	for _, item := range batch {
		var job domain.AnalysisJob
		if err := json.Unmarshal(item, &job); err != nil {
			slog.Warn("dropping malformed analysis job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// StoreSessionRisk stores a per-session risk snapshot.
func (s *MemoryStore) StoreSessionRisk(ctx context.Context, sessionID string, risk *domain.SessionRisk, ttl time.Duration) error {
	if err := requireID("sessionID", sessionID); err != nil {
		return err
	}
	if risk == nil {
		return fmt.Errorf("%w: session risk is required", domain.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = s.ttls.sessionRisk
	}

	payload, err := json.Marshal(risk)
	if err != nil {
		return fmt.Errorf("%w: encode session risk: %v", domain.ErrMalformedRecord, err)
	}
	return s.setValue(keySessionRisk+sessionID, payload, ttl)
}

// SessionRisk returns the snapshot for a session, or nil if absent.
func (s *MemoryStore) SessionRisk(ctx context.Context, sessionID string) (*domain.SessionRisk, error) {
	if err := requireID("sessionID", sessionID); err != nil {
		return nil, err
	}

	data, ok, err := s.getValue(keySessionRisk + sessionID)
	if err != nil || !ok {
		return nil, err
	}
	var risk domain.SessionRisk
	if uerr := json.Unmarshal(data, &risk); uerr != nil {
		slog.Warn("malformed session risk", "session_id", sessionID, "error", uerr)
		return nil, nil
	}
	return &risk, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}
	return nil
}

// Close releases all stored state.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.values = make(map[string]*valueEntry)
	s.counters = make(map[string]*counterEntry)
	s.logs = make(map[string]*logEntry)
	s.queue = nil
	return nil
}

func (s *MemoryStore) setValue(key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errClosed()
	}
	s.values[key] = &valueEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) getValue(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, s.errClosed()
	}
	v := s.values[key]
	if v == nil {
		return nil, false, nil
	}
	if time.Now().After(v.expiresAt) {
		delete(s.values, key)
		return nil, false, nil
	}
	return v.data, true, nil
}
