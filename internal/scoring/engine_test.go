package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine(0.8, 5)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	cfg := domain.DefaultConfig().Scoring
	if err := engine.LoadRules(DefaultRules(cfg)); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	return engine
}

func TestEngineEvaluate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("CleanEventPasses", func(t *testing.T) {
		snap := &Snapshot{
			Event: &domain.PaymentEvent{
				UserID:        "user-001",
				TransactionID: "tx-001",
				Amount:        49.99,
				Currency:      "USD",
			},
		}

		eval := engine.Evaluate(ctx, snap)
		if eval.Status != domain.EvalStatusPass {
			t.Errorf("expected PASS, got %s (score %f)", eval.Status, eval.Score)
		}
		if eval.Score != 0 {
			t.Errorf("expected score 0 for clean event, got %f", eval.Score)
		}
		if eval.Metadata.RulesEvaluated != 5 {
			t.Errorf("expected 5 rules evaluated, got %d", eval.Metadata.RulesEvaluated)
		}
	})

	t.Run("RiskySignalsAlert", func(t *testing.T) {
		recent := make([]domain.TransactionSummary, 12)
		for i := range recent {
			recent[i] = domain.TransactionSummary{Amount: 500}
		}

		snap := &Snapshot{
			Event: &domain.PaymentEvent{
				UserID:        "user-002",
				TransactionID: "tx-002",
				Amount:        20000,
				Currency:      "USD",
			},
			FailedAttempts:     6,
			RecentTransactions: recent,
			Flagged:            true,
			FlagReason:         "velocity",
		}

		eval := engine.Evaluate(ctx, snap)
		if eval.Status != domain.EvalStatusAlert {
			t.Errorf("expected ALERT, got %s (score %f)", eval.Status, eval.Score)
		}
		if eval.Score < 0.8 {
			t.Errorf("expected score >= 0.8, got %f", eval.Score)
		}
		if len(eval.Reasons()) == 0 {
			t.Error("expected triggered rule reasons")
		}
	})

	t.Run("PartialFailedAttempts", func(t *testing.T) {
		snap := &Snapshot{
			Event: &domain.PaymentEvent{
				UserID:        "user-003",
				TransactionID: "tx-003",
				Amount:        10,
				Currency:      "USD",
			},
			FailedAttempts: 2,
		}

		eval := engine.Evaluate(ctx, snap)

		// failed-attempts contributes 2/5 = 0.4 at weight 1.5 of 6.5 total.
		var found bool
		for _, r := range eval.RuleResults {
			if r.RuleID == "failed-attempts" {
				found = true
				if r.Score != 0.4 {
					t.Errorf("expected partial score 0.4, got %f", r.Score)
				}
				if r.Triggered {
					t.Error("partial score below 0.5 should not trigger")
				}
			}
		}
		if !found {
			t.Fatal("failed-attempts rule missing from results")
		}
	})

	t.Run("BooleanExpression", func(t *testing.T) {
		custom, err := NewEngine(0.8, 5)
		if err != nil {
			t.Fatalf("NewEngine failed: %v", err)
		}
		err = custom.LoadRule(&domain.RuleConfig{
			ID:         "bool-rule",
			Expression: "amount > 100.0",
			Weight:     1.0,
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}

		eval := custom.Evaluate(ctx, &Snapshot{
			Event: &domain.PaymentEvent{TransactionID: "tx", UserID: "u", Amount: 250},
		})
		if eval.Score != 1.0 {
			t.Errorf("expected boolean true to score 1.0, got %f", eval.Score)
		}
	})

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		err := engine.LoadRule(&domain.RuleConfig{
			ID:         "broken",
			Expression: "amount >",
			Enabled:    true,
		})
		if err == nil {
			t.Error("expected compile error for invalid expression")
		}
	})

	t.Run("UnknownVariableRejected", func(t *testing.T) {
		err := engine.LoadRule(&domain.RuleConfig{
			ID:         "unknown-var",
			Expression: "no_such_signal > 1",
			Enabled:    true,
		})
		if err == nil {
			t.Error("expected compile error for unknown variable")
		}
	})
}

func TestBuildSnapshot(t *testing.T) {
	store := signals.NewMemoryStore(domain.SignalsConfig{})
	defer store.Close()
	ctx := context.Background()

	event := &domain.PaymentEvent{
		UserID:        "user-001",
		TransactionID: "tx-100",
		Amount:        300,
		Currency:      "USD",
	}

	for i := 0; i < 2; i++ {
		if err := store.RecordTransaction(ctx, "user-001", &domain.TransactionSummary{
			TransactionID: "prev", Amount: 100, Currency: "USD",
		}); err != nil {
			t.Fatalf("RecordTransaction failed: %v", err)
		}
	}
	if err := store.RecordFailedAttempt(ctx, "user-001"); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	if err := store.FlagSuspicious(ctx, "user-001", "manual_review", time.Hour); err != nil {
		t.Fatalf("FlagSuspicious failed: %v", err)
	}

	snap, err := BuildSnapshot(ctx, store, event)
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	if snap.FailedAttempts != 1 {
		t.Errorf("expected 1 failed attempt, got %d", snap.FailedAttempts)
	}
	if len(snap.RecentTransactions) != 2 {
		t.Errorf("expected 2 recent transactions, got %d", len(snap.RecentTransactions))
	}
	if !snap.Flagged || snap.FlagReason != "manual_review" {
		t.Errorf("expected flagged with reason, got (%v, %q)", snap.Flagged, snap.FlagReason)
	}
}

func TestDefaultRules(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	rules := DefaultRules(cfg)

	if len(rules) != 5 {
		t.Fatalf("expected 5 default rules, got %d", len(rules))
	}
	for _, r := range rules {
		if !r.Enabled {
			t.Errorf("rule %s should be enabled", r.ID)
		}
		if r.Weight <= 0 {
			t.Errorf("rule %s should carry a positive weight", r.ID)
		}
	}
}
