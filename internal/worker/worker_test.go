package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
)

func newTestWorker(t *testing.T) (*Worker, domain.SignalStore, *bus.ChannelBus) {
	t.Helper()

	store := signals.NewMemoryStore(domain.SignalsConfig{})
	t.Cleanup(func() { store.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	engine, err := scoring.NewEngine(0.8, 5)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.LoadRules(scoring.DefaultRules(domain.DefaultConfig().Scoring)); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	w := NewWorker(store, nil, b, engine, domain.WorkerConfig{
		BatchSize:    5,
		PollInterval: 10 * time.Millisecond,
		FlagDuration: time.Hour,
	})
	return w, store, b
}

func waitForMessage(t *testing.T, ch <-chan *domain.Message, timeout time.Duration) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestWorkerProcessesQueue(t *testing.T) {
	w, store, b := newTestWorker(t)
	ctx := context.Background()

	decisions := make(chan *domain.Message, 10)
	if _, err := b.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		decisions <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	job := &domain.AnalysisJob{
		ID:     "job-1",
		UserID: "user-001",
		Event: &domain.PaymentEvent{
			UserID:        "user-001",
			TransactionID: "tx-001",
			Amount:        49.99,
			Currency:      "USD",
		},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := store.EnqueueForAnalysis(ctx, job); err != nil {
		t.Fatalf("EnqueueForAnalysis failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	msg := waitForMessage(t, decisions, 2*time.Second)

	var eval domain.Evaluation
	if err := json.Unmarshal(msg.Payload, &eval); err != nil {
		t.Fatalf("failed to unmarshal decision: %v", err)
	}
	if eval.TransactionID != "tx-001" {
		t.Errorf("expected tx-001, got %s", eval.TransactionID)
	}
	if eval.Status != domain.EvalStatusPass {
		t.Errorf("expected PASS for clean event, got %s (score %f)", eval.Status, eval.Score)
	}

	score, found, err := store.CachedRiskScore(ctx, "user-001")
	if err != nil {
		t.Fatalf("CachedRiskScore failed: %v", err)
	}
	if !found {
		t.Fatal("expected risk score to be cached after processing")
	}
	if score != eval.Score {
		t.Errorf("cached score %f does not match evaluation score %f", score, eval.Score)
	}

	stats := w.GetStats()
	if stats.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", stats.Processed)
	}
	if stats.Alerts != 0 {
		t.Errorf("expected 0 alerts, got %d", stats.Alerts)
	}
}

func TestWorkerAlertPath(t *testing.T) {
	w, store, b := newTestWorker(t)
	ctx := context.Background()

	alerts := make(chan *domain.Message, 10)
	if _, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Seed risky signals so the evaluation crosses the alert threshold.
	for i := 0; i < 6; i++ {
		if err := store.RecordFailedAttempt(ctx, "user-bad"); err != nil {
			t.Fatalf("RecordFailedAttempt failed: %v", err)
		}
	}
	for i := 0; i < 12; i++ {
		if err := store.RecordTransaction(ctx, "user-bad", &domain.TransactionSummary{
			TransactionID: "prev", Amount: 500, Currency: "USD",
		}); err != nil {
			t.Fatalf("RecordTransaction failed: %v", err)
		}
	}
	if err := store.FlagSuspicious(ctx, "user-bad", "velocity", time.Hour); err != nil {
		t.Fatalf("FlagSuspicious failed: %v", err)
	}

	job := &domain.AnalysisJob{
		ID:     "job-2",
		UserID: "user-bad",
		Event: &domain.PaymentEvent{
			UserID:        "user-bad",
			TransactionID: "tx-002",
			Amount:        20000,
			Currency:      "USD",
			SessionID:     "session-9",
		},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := store.EnqueueForAnalysis(ctx, job); err != nil {
		t.Fatalf("EnqueueForAnalysis failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	msg := waitForMessage(t, alerts, 2*time.Second)

	var eval domain.Evaluation
	if err := json.Unmarshal(msg.Payload, &eval); err != nil {
		t.Fatalf("failed to unmarshal alert: %v", err)
	}
	if eval.Status != domain.EvalStatusAlert {
		t.Errorf("expected ALERT, got %s (score %f)", eval.Status, eval.Score)
	}

	flagged, _, err := store.IsSuspicious(ctx, "user-bad")
	if err != nil {
		t.Fatalf("IsSuspicious failed: %v", err)
	}
	if !flagged {
		t.Error("expected user to stay flagged after alert")
	}

	risk, err := store.SessionRisk(ctx, "session-9")
	if err != nil {
		t.Fatalf("SessionRisk failed: %v", err)
	}
	if risk == nil {
		t.Fatal("expected session risk to be recorded")
	}
	if risk.EventCount != 1 {
		t.Errorf("expected event count 1, got %d", risk.EventCount)
	}
	if risk.Score != eval.Score {
		t.Errorf("session score %f does not match evaluation score %f", risk.Score, eval.Score)
	}
}

func TestWorkerDropsJobWithoutEvent(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	if err := store.EnqueueForAnalysis(ctx, &domain.AnalysisJob{ID: "job-empty", UserID: "user-x"}); err != nil {
		t.Fatalf("EnqueueForAnalysis failed: %v", err)
	}

	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := store.DequeueBatch(ctx, 1)
		if err != nil {
			t.Fatalf("DequeueBatch failed: %v", err)
		}
		if len(jobs) == 0 {
			return // queue drained, job was consumed without crashing
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue was not drained")
}
