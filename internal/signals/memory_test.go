package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestStore(cfg domain.SignalsConfig) *MemoryStore {
	cfg.Backend = "memory"
	return NewMemoryStore(cfg)
}

func TestTransactionLog(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("NewestFirst", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tx := &domain.TransactionSummary{
				TransactionID: fmt.Sprintf("tx-%d", i),
				Amount:        100.0 * float64(i+1),
				Currency:      "USD",
			}
			if err := store.RecordTransaction(ctx, "user-001", tx); err != nil {
				t.Fatalf("RecordTransaction failed: %v", err)
			}
		}

		txs, err := store.RecentTransactions(ctx, "user-001", 50)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(txs) != 5 {
			t.Fatalf("expected 5 entries, got %d", len(txs))
		}
		if txs[0].TransactionID != "tx-4" {
			t.Errorf("expected newest entry first, got %s", txs[0].TransactionID)
		}
		if txs[4].TransactionID != "tx-0" {
			t.Errorf("expected oldest entry last, got %s", txs[4].TransactionID)
		}
	})

	t.Run("CountLimit", func(t *testing.T) {
		txs, err := store.RecentTransactions(ctx, "user-001", 2)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(txs) != 2 {
			t.Errorf("expected 2 entries, got %d", len(txs))
		}
	})

	t.Run("TrimsToFifty", func(t *testing.T) {
		for i := 0; i < 60; i++ {
			tx := &domain.TransactionSummary{
				TransactionID: fmt.Sprintf("burst-%d", i),
				Amount:        1.0,
				Currency:      "USD",
			}
			if err := store.RecordTransaction(ctx, "user-burst", tx); err != nil {
				t.Fatalf("RecordTransaction failed: %v", err)
			}
		}

		txs, err := store.RecentTransactions(ctx, "user-burst", 100)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(txs) != 50 {
			t.Fatalf("expected log trimmed to 50, got %d", len(txs))
		}
		// Oldest ten discarded: entries are burst-59 down to burst-10.
		if txs[0].TransactionID != "burst-59" {
			t.Errorf("expected burst-59 first, got %s", txs[0].TransactionID)
		}
		if txs[49].TransactionID != "burst-10" {
			t.Errorf("expected burst-10 last, got %s", txs[49].TransactionID)
		}
	})

	t.Run("AbsentUserEmpty", func(t *testing.T) {
		txs, err := store.RecentTransactions(ctx, "never-seen", 10)
		if err != nil {
			t.Fatalf("expected no error for absent log, got %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected empty slice, got %d entries", len(txs))
		}
	})

	t.Run("LogExpires", func(t *testing.T) {
		shortStore := newTestStore(domain.SignalsConfig{
			TransactionLogTTL: 20 * time.Millisecond,
		})
		defer shortStore.Close()

		_ = shortStore.RecordTransaction(ctx, "user-ttl", &domain.TransactionSummary{
			TransactionID: "tx-ttl", Amount: 1, Currency: "USD",
		})

		time.Sleep(40 * time.Millisecond)

		txs, err := shortStore.RecentTransactions(ctx, "user-ttl", 10)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected expired log to read as empty, got %d entries", len(txs))
		}
	})
}

func TestFailedAttempts(t *testing.T) {
	ctx := context.Background()

	t.Run("CountsIncrements", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		for i := 0; i < 3; i++ {
			if err := store.RecordFailedAttempt(ctx, "user-001"); err != nil {
				t.Fatalf("RecordFailedAttempt failed: %v", err)
			}
		}

		count, err := store.FailedAttemptCount(ctx, "user-001")
		if err != nil {
			t.Fatalf("FailedAttemptCount failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}
	})

	t.Run("AbsentIsZero", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		count, err := store.FailedAttemptCount(ctx, "clean-user")
		if err != nil {
			t.Fatalf("FailedAttemptCount failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 for absent counter, got %d", count)
		}
	})

	t.Run("WindowAnchoredAtFirstAttempt", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{
			FailedAttemptWindow: 100 * time.Millisecond,
		})
		defer store.Close()

		// First attempt anchors the window.
		_ = store.RecordFailedAttempt(ctx, "attacker")
		time.Sleep(60 * time.Millisecond)

		// A later attempt must not extend the window.
		_ = store.RecordFailedAttempt(ctx, "attacker")

		count, _ := store.FailedAttemptCount(ctx, "attacker")
		if count != 2 {
			t.Fatalf("expected count 2 inside window, got %d", count)
		}

		// 120ms after the anchor the window has elapsed even though the
		// second attempt was only 60ms ago.
		time.Sleep(60 * time.Millisecond)

		count, err := store.FailedAttemptCount(ctx, "attacker")
		if err != nil {
			t.Fatalf("FailedAttemptCount failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count reset after anchored window, got %d", count)
		}
	})
}

func TestRateLimiting(t *testing.T) {
	ctx := context.Background()

	t.Run("LimitCycle", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		for i := 1; i <= 3; i++ {
			limited, err := store.IsRateLimited(ctx, "client-a", 3, 60*time.Second)
			if err != nil {
				t.Fatalf("IsRateLimited failed: %v", err)
			}
			if limited {
				t.Errorf("call %d should not be limited", i)
			}
		}

		limited, err := store.IsRateLimited(ctx, "client-a", 3, 60*time.Second)
		if err != nil {
			t.Fatalf("IsRateLimited failed: %v", err)
		}
		if !limited {
			t.Error("4th call should be limited")
		}
	})

	t.Run("WindowRestarts", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		window := 50 * time.Millisecond
		for i := 0; i < 2; i++ {
			store.IsRateLimited(ctx, "client-b", 2, window)
		}
		limited, _ := store.IsRateLimited(ctx, "client-b", 2, window)
		if !limited {
			t.Fatal("expected limit reached")
		}

		time.Sleep(70 * time.Millisecond)

		limited, err := store.IsRateLimited(ctx, "client-b", 2, window)
		if err != nil {
			t.Fatalf("IsRateLimited failed: %v", err)
		}
		if limited {
			t.Error("expected fresh window after expiry")
		}
	})

	t.Run("NoDoubleAllowUnderRace", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		const callers = 32
		var wg sync.WaitGroup
		allowed := make(chan bool, callers)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				limited, err := store.IsRateLimited(ctx, "contended", 1, time.Minute)
				if err != nil {
					t.Errorf("IsRateLimited failed: %v", err)
					return
				}
				allowed <- !limited
			}()
		}
		wg.Wait()
		close(allowed)

		allowCount := 0
		for a := range allowed {
			if a {
				allowCount++
			}
		}
		if allowCount != 1 {
			t.Errorf("expected exactly 1 allowed call, got %d", allowCount)
		}
	})

	t.Run("RejectsBadArguments", func(t *testing.T) {
		store := newTestStore(domain.SignalsConfig{})
		defer store.Close()

		if _, err := store.IsRateLimited(ctx, "", 3, time.Minute); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for empty identifier, got %v", err)
		}
		if _, err := store.IsRateLimited(ctx, "x", 0, time.Minute); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for zero limit, got %v", err)
		}
		if _, err := store.IsRateLimited(ctx, "x", 3, 0); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for zero window, got %v", err)
		}
	})
}

func TestRiskScoreCache(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		if err := store.CacheRiskScore(ctx, "user-001", 0.73, time.Minute); err != nil {
			t.Fatalf("CacheRiskScore failed: %v", err)
		}

		score, ok, err := store.CachedRiskScore(ctx, "user-001")
		if err != nil {
			t.Fatalf("CachedRiskScore failed: %v", err)
		}
		if !ok {
			t.Fatal("expected cached score")
		}
		if score != 0.73 {
			t.Errorf("expected 0.73, got %f", score)
		}
	})

	t.Run("OverwriteWholesale", func(t *testing.T) {
		_ = store.CacheRiskScore(ctx, "user-001", 0.1, time.Minute)

		score, _, _ := store.CachedRiskScore(ctx, "user-001")
		if score != 0.1 {
			t.Errorf("expected overwrite to 0.1, got %f", score)
		}
	})

	t.Run("AbsentUser", func(t *testing.T) {
		_, ok, err := store.CachedRiskScore(ctx, "unknown")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected no cached score")
		}
	})

	t.Run("RejectsOutOfRange", func(t *testing.T) {
		if err := store.CacheRiskScore(ctx, "user-001", 1.5, time.Minute); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestSuspicionFlag(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("FlagAndQuery", func(t *testing.T) {
		if err := store.FlagSuspicious(ctx, "user-001", "velocity", 24*time.Hour); err != nil {
			t.Fatalf("FlagSuspicious failed: %v", err)
		}

		flagged, reason, err := store.IsSuspicious(ctx, "user-001")
		if err != nil {
			t.Fatalf("IsSuspicious failed: %v", err)
		}
		if !flagged {
			t.Fatal("expected user flagged")
		}
		if reason != "velocity" {
			t.Errorf("expected reason 'velocity', got %q", reason)
		}
	})

	t.Run("ReflagOverwrites", func(t *testing.T) {
		if err := store.FlagSuspicious(ctx, "user-001", "card_testing", 24*time.Hour); err != nil {
			t.Fatalf("FlagSuspicious failed: %v", err)
		}

		_, reason, _ := store.IsSuspicious(ctx, "user-001")
		if reason != "card_testing" {
			t.Errorf("expected overwritten reason, got %q", reason)
		}
	})

	t.Run("Unflag", func(t *testing.T) {
		if err := store.Unflag(ctx, "user-001"); err != nil {
			t.Fatalf("Unflag failed: %v", err)
		}

		flagged, reason, err := store.IsSuspicious(ctx, "user-001")
		if err != nil {
			t.Fatalf("IsSuspicious failed: %v", err)
		}
		if flagged || reason != "" {
			t.Errorf("expected unflagged, got (%v, %q)", flagged, reason)
		}

		// Unflagging an unflagged user is a no-op.
		if err := store.Unflag(ctx, "user-001"); err != nil {
			t.Errorf("repeated Unflag failed: %v", err)
		}
	})

	t.Run("FlagExpires", func(t *testing.T) {
		if err := store.FlagSuspicious(ctx, "user-ttl", "test", 20*time.Millisecond); err != nil {
			t.Fatalf("FlagSuspicious failed: %v", err)
		}

		time.Sleep(40 * time.Millisecond)

		flagged, _, err := store.IsSuspicious(ctx, "user-ttl")
		if err != nil {
			t.Fatalf("IsSuspicious failed: %v", err)
		}
		if flagged {
			t.Error("expected flag expired")
		}
	})
}

func TestPatternCache(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		in := map[string]any{
			"pattern":    "rapid_small_charges",
			"confidence": 0.92,
			"merchants":  []any{"m-1", "m-2"},
		}
		if err := store.CachePattern(ctx, "user-001:daily", in, time.Minute); err != nil {
			t.Fatalf("CachePattern failed: %v", err)
		}

		var out map[string]any
		ok, err := store.CachedPattern(ctx, "user-001:daily", &out)
		if err != nil {
			t.Fatalf("CachedPattern failed: %v", err)
		}
		if !ok {
			t.Fatal("expected cached pattern")
		}
		if out["pattern"] != "rapid_small_charges" {
			t.Errorf("expected pattern name round-tripped, got %v", out["pattern"])
		}
		if out["confidence"] != 0.92 {
			t.Errorf("expected confidence round-tripped, got %v", out["confidence"])
		}
		if len(out["merchants"].([]any)) != 2 {
			t.Errorf("expected merchants round-tripped, got %v", out["merchants"])
		}
	})

	t.Run("AbsentKey", func(t *testing.T) {
		var out map[string]any
		ok, err := store.CachedPattern(ctx, "missing", &out)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected miss for absent key")
		}
	})
}

func TestAnalysisQueue(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("FIFOOrder", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			job := &domain.AnalysisJob{
				ID:     fmt.Sprintf("job-%d", i),
				UserID: "user-001",
			}
			if err := store.EnqueueForAnalysis(ctx, job); err != nil {
				t.Fatalf("EnqueueForAnalysis failed: %v", err)
			}
		}

		batch, err := store.DequeueBatch(ctx, 2)
		if err != nil {
			t.Fatalf("DequeueBatch failed: %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(batch))
		}
		if batch[0].ID != "job-1" || batch[1].ID != "job-2" {
			t.Errorf("expected [job-1 job-2], got [%s %s]", batch[0].ID, batch[1].ID)
		}

		rest, err := store.DequeueBatch(ctx, 5)
		if err != nil {
			t.Fatalf("DequeueBatch failed: %v", err)
		}
		if len(rest) != 1 || rest[0].ID != "job-3" {
			t.Errorf("expected [job-3], got %v", rest)
		}
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		batch, err := store.DequeueBatch(ctx, 10)
		if err != nil {
			t.Fatalf("expected no error on empty queue, got %v", err)
		}
		if len(batch) != 0 {
			t.Errorf("expected empty batch, got %d", len(batch))
		}
	})

	t.Run("NoDuplicateAcrossConsumers", func(t *testing.T) {
		const jobs = 40
		for i := 0; i < jobs; i++ {
			store.EnqueueForAnalysis(ctx, &domain.AnalysisJob{ID: fmt.Sprintf("c-%d", i)})
		}

		var wg sync.WaitGroup
		seen := make(chan string, jobs)
		for c := 0; c < 4; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := store.DequeueBatch(ctx, 5)
					if err != nil || len(batch) == 0 {
						return
					}
					for _, j := range batch {
						seen <- j.ID
					}
				}
			}()
		}
		wg.Wait()
		close(seen)

		ids := make(map[string]int)
		for id := range seen {
			ids[id]++
		}
		if len(ids) != jobs {
			t.Errorf("expected %d distinct jobs consumed, got %d", jobs, len(ids))
		}
		for id, n := range ids {
			if n != 1 {
				t.Errorf("job %s consumed %d times", id, n)
			}
		}
	})
}

func TestSessionRisk(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		in := &domain.SessionRisk{
			SessionID:  "sess-001",
			Score:      0.4,
			Reasons:    []string{"new_device"},
			EventCount: 3,
		}
		if err := store.StoreSessionRisk(ctx, "sess-001", in, time.Minute); err != nil {
			t.Fatalf("StoreSessionRisk failed: %v", err)
		}

		out, err := store.SessionRisk(ctx, "sess-001")
		if err != nil {
			t.Fatalf("SessionRisk failed: %v", err)
		}
		if out == nil {
			t.Fatal("expected snapshot")
		}
		if out.Score != 0.4 || out.EventCount != 3 {
			t.Errorf("snapshot mismatch: %+v", out)
		}
	})

	t.Run("AbsentSession", func(t *testing.T) {
		out, err := store.SessionRisk(ctx, "missing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != nil {
			t.Errorf("expected nil for absent session, got %+v", out)
		}
	})

	t.Run("Expires", func(t *testing.T) {
		_ = store.StoreSessionRisk(ctx, "sess-ttl", &domain.SessionRisk{SessionID: "sess-ttl"}, 20*time.Millisecond)

		time.Sleep(40 * time.Millisecond)

		out, err := store.SessionRisk(ctx, "sess-ttl")
		if err != nil {
			t.Fatalf("SessionRisk failed: %v", err)
		}
		if out != nil {
			t.Error("expected expired snapshot to read as absent")
		}
	})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	store.Close()
	ctx := context.Background()

	// A dead store must surface ErrStoreUnavailable, never a false
	// "no record" answer.
	if _, err := store.FailedAttemptCount(ctx, "user-001"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := store.IsSuspicious(ctx, "user-001"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := store.IsRateLimited(ctx, "user-001", 1, time.Minute); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRequiresIdentifiers(t *testing.T) {
	store := newTestStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	if err := store.RecordTransaction(ctx, "", &domain.TransactionSummary{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("RecordTransaction: expected ErrInvalidArgument, got %v", err)
	}
	if err := store.RecordFailedAttempt(ctx, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("RecordFailedAttempt: expected ErrInvalidArgument, got %v", err)
	}
	if err := store.FlagSuspicious(ctx, "u", "", time.Hour); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("FlagSuspicious: expected ErrInvalidArgument for empty reason, got %v", err)
	}
	if err := store.FlagSuspicious(ctx, "u", "r", 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("FlagSuspicious: expected ErrInvalidArgument for zero duration, got %v", err)
	}
	if _, err := store.RecentTransactions(ctx, "u", 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("RecentTransactions: expected ErrInvalidArgument for zero count, got %v", err)
	}
	if _, err := store.DequeueBatch(ctx, -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("DequeueBatch: expected ErrInvalidArgument for negative max, got %v", err)
	}
}
