package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Key prefixes for the shared store. Distinct kinds never collide because
// every key is <kind>:<scope>:<id>.
const (
	keyTransactions   = "user:transactions:"
	keyFailedAttempts = "user:failed_attempts:"
	keyRateLimit      = "rate_limit:"
	keyRiskScore      = "risk_score:"
	keySuspicious     = "suspicious:"
	keyPattern        = "pattern:"
	keySessionRisk    = "session:risk:"
	keyAnalysisQueue  = "ml_analysis_queue"
)

// incrWithWindow increments a counter and anchors the expiry window at the
// first increment only. Refreshing the TTL on every call would turn the
// window into a sliding one and persistent offenders would never time out.
var incrWithWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// checkRateLimit initializes, checks, or increments a rate-limit counter as
// one indivisible unit. A read-branch-write sequence from the client would
// let two concurrent callers both observe an absent counter and both
// initialize it, under-counting the true request rate.
var checkRateLimit = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
	return 0
end
if tonumber(current) >= tonumber(ARGV[1]) then
	return 1
end
redis.call('INCR', KEYS[1])
return 0
`)

// RedisStore implements SignalStore on a shared Redis instance.
// One client is created at process start and reused by every operation;
// reconnection is the client's responsibility.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	ttls      ttlSet
	logLen    int64
}

// NewRedisStore creates a Redis-backed signal store and verifies the
// connection.
func NewRedisStore(cfg domain.SignalsConfig) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	s := &RedisStore{
		client:    client,
		opTimeout: opTimeout(cfg),
		ttls:      ttlsFromConfig(cfg),
		logLen:    int64(logLength(cfg)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to redis at %s: %v", domain.ErrStoreUnavailable, addr, err)
	}

	return s, nil
}

// withTimeout bounds every round trip so a dead store surfaces as an error
// instead of a hung request handler.
func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// RecordTransaction appends to the user's log, trims it, and refreshes the
// 7-day TTL as one MULTI/EXEC batch so readers never observe a
// trimmed-but-not-expired or expired-but-not-trimmed state.
func (s *RedisStore) RecordTransaction(ctx context.Context, userID string, tx *domain.TransactionSummary) error {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keyTransactions + userID
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.logLen-1)
	pipe.Expire(ctx, key, s.ttls.transactionLog)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.storeErr("record transaction", err)
	}
	return nil
}

// RecentTransactions returns up to count entries, newest first. An absent
// key yields an empty slice.
func (s *RedisStore) RecentTransactions(ctx context.Context, userID string, count int) ([]domain.TransactionSummary, error) {
	if err := requireID("userID", userID); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", domain.ErrInvalidArgument, count)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keyTransactions + userID
	raw, err := s.client.LRange(ctx, key, 0, int64(count)-1).Result()
	if err != nil {
		return nil, s.storeErr("read transaction log", err)
	}

	txs := make([]domain.TransactionSummary, 0, len(raw))
	for _, item := range raw {
		var tx domain.TransactionSummary
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
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

// RecordFailedAttempt increments the user's failed-attempt counter,
// starting the 1-hour window only when the counter is created.
func (s *RedisStore) RecordFailedAttempt(ctx context.Context, userID string) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keyFailedAttempts + userID
	if err := incrWithWindow.Run(ctx, s.client, []string{key}, s.ttls.failedAttemptWindow.Milliseconds()).Err(); err != nil {
		return s.storeErr("record failed attempt", err)
	}
	return nil
}

// FailedAttemptCount returns the counter for the current window, or 0.
func (s *RedisStore) FailedAttemptCount(ctx context.Context, userID string) (int64, error) {
	if err := requireID("userID", userID); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.Get(ctx, keyFailedAttempts+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, s.storeErr("read failed attempts", err)
	}
	return count, nil
}

// IsRateLimited runs the check-init-or-increment sequence as a single Lua
// script.
func (s *RedisStore) IsRateLimited(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, error) {
	if err := requireID("identifier", identifier); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, fmt.Errorf("%w: limit must be positive, got %d", domain.ErrInvalidArgument, limit)
	}
	if window <= 0 {
		return false, fmt.Errorf("%w: window must be positive, got %s", domain.ErrInvalidArgument, window)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keyRateLimit + identifier
	limited, err := checkRateLimit.Run(ctx, s.client, []string{key}, limit, window.Milliseconds()).Int64()
	if err != nil {
		return false, s.storeErr("check rate limit", err)
	}
	return limited == 1, nil
}

// CacheRiskScore overwrites the user's cached risk score.
func (s *RedisStore) CacheRiskScore(ctx context.Context, userID string, score float64, ttl time.Duration) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: score must be in [0,1], got %f", domain.ErrInvalidArgument, score)
	}
	if ttl <= 0 {
		ttl = s.ttls.riskScore
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.client.Set(ctx, keyRiskScore+userID, strconv.FormatFloat(score, 'f', -1, 64), ttl).Err()
	if err != nil {
		return s.storeErr("cache risk score", err)
	}
	return nil
}

// CachedRiskScore returns the cached score and whether one exists.
func (s *RedisStore) CachedRiskScore(ctx context.Context, userID string) (float64, bool, error) {
	if err := requireID("userID", userID); err != nil {
		return 0, false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	score, err := s.client.Get(ctx, keyRiskScore+userID).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		if isDecodeError(err) {
			slog.Warn("malformed cached risk score", "user_id", userID, "error", err)
			return 0, false, nil
		}
		return 0, false, s.storeErr("read risk score", err)
	}
	return score, true, nil
}

// FlagSuspicious creates or overwrites the user's suspicion flag. The
// stored expiry and the key TTL come from the same instant.
func (s *RedisStore) FlagSuspicious(ctx context.Context, userID, reason string, duration time.Duration) error {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, keySuspicious+userID, payload, duration).Err(); err != nil {
		return s.storeErr("flag suspicious", err)
	}

	slog.Warn("user flagged as suspicious",
		"user_id", userID,
		"reason", reason,
		"expires_at", flag.ExpiresAt,
	)
	return nil
}

// IsSuspicious reports whether the user is currently flagged and why.
func (s *RedisStore) IsSuspicious(ctx context.Context, userID string) (bool, string, error) {
	if err := requireID("userID", userID); err != nil {
		return false, "", err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keySuspicious+userID).Bytes()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", s.storeErr("read suspicion flag", err)
	}

	var flag domain.SuspicionFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		slog.Warn("malformed suspicion flag", "user_id", userID, "error", err)
		return false, "", nil
	}
	return true, flag.Reason, nil
}

// Unflag removes the suspicion flag ahead of its TTL.
func (s *RedisStore) Unflag(ctx context.Context, userID string) error {
	if err := requireID("userID", userID); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keySuspicious+userID).Err(); err != nil {
		return s.storeErr("unflag user", err)
	}
	return nil
}

// CachePattern stores an opaque analysis result.
func (s *RedisStore) CachePattern(ctx context.Context, key string, result any, ttl time.Duration) error {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, keyPattern+key, payload, ttl).Err(); err != nil {
		return s.storeErr("cache pattern", err)
	}
	return nil
}

// CachedPattern decodes a cached result into out and reports whether the
// key existed.
func (s *RedisStore) CachedPattern(ctx context.Context, key string, out any) (bool, error) {
	if err := requireID("key", key); err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyPattern+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.storeErr("read pattern", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("malformed cached pattern", "pattern_key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// EnqueueForAnalysis appends a job to the tail of the global FIFO queue.
func (s *RedisStore) EnqueueForAnalysis(ctx context.Context, job *domain.AnalysisJob) error {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.RPush(ctx, keyAnalysisQueue, payload).Err(); err != nil {
		return s.storeErr("enqueue for analysis", err)
	}
	return nil
}

// DequeueBatch atomically removes up to max jobs from the queue head.
// LPOP with a count is a single command, so concurrent consumers never
// receive the same entry.
func (s *RedisStore) DequeueBatch(ctx context.Context, max int) ([]domain.AnalysisJob, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max must be positive, got %d", domain.ErrInvalidArgument, max)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.LPopCount(ctx, keyAnalysisQueue, max).Result()
	if err == redis.Nil {
		return []domain.AnalysisJob{}, nil
	}
	if err != nil {
		return nil, s.storeErr("dequeue batch", err)
	}

	jobs := make([]domain.AnalysisJob, 0, len(raw))
	for _, item := range raw {
		var job domain.AnalysisJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			slog.Warn("dropping malformed analysis job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// StoreSessionRisk stores a per-session risk snapshot.
func (s *RedisStore) StoreSessionRisk(ctx context.Context, sessionID string, risk *domain.SessionRisk, ttl time.Duration) error {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, keySessionRisk+sessionID, payload, ttl).Err(); err != nil {
		return s.storeErr("store session risk", err)
	}
	return nil
}

// SessionRisk returns the snapshot for a session, or nil if absent.
func (s *RedisStore) SessionRisk(ctx context.Context, sessionID string) (*domain.SessionRisk, error) {
	if err := requireID("sessionID", sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keySessionRisk+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.storeErr("read session risk", err)
	}

	var risk domain.SessionRisk
	if err := json.Unmarshal(data, &risk); err != nil {
		slog.Warn("malformed session risk", "session_id", sessionID, "error", err)
		return nil, nil
	}
	return &risk, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.storeErr("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// isDecodeError distinguishes a value that exists but cannot be parsed
// from a transport failure.
func isDecodeError(err error) bool {
	_, ok := err.(*strconv.NumError)
	return ok
}
