// Package worker provides the async analysis pipeline.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker drains the analysis queue and scores queued payment events.
type Worker struct {
	store  domain.SignalStore
	repo   domain.Repository
	bus    domain.EventBus
	engine *scoring.Engine
	cfg    domain.WorkerConfig

	sessionTTL time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	alerts    atomic.Int64
}

// NewWorker creates a new analysis worker.
func NewWorker(store domain.SignalStore, repo domain.Repository, bus domain.EventBus, engine *scoring.Engine, cfg domain.WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.FlagDuration <= 0 {
		cfg.FlagDuration = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:      store,
		repo:       repo,
		bus:        bus,
		engine:     engine,
		cfg:        cfg,
		sessionTTL: domain.DefaultSessionRiskTTL,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins polling the analysis queue.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.poll()

	slog.Info("analysis worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
	)
}

func (w *Worker) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

// drain pulls batches until the queue is empty or the worker is stopped.
func (w *Worker) drain() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		jobs, err := w.store.DequeueBatch(w.ctx, w.cfg.BatchSize)
		if err != nil {
			slog.Error("failed to dequeue analysis batch",
				"error", err,
			)
			return
		}
		if len(jobs) == 0 {
			return
		}

		for i := range jobs {
			if err := w.processJob(w.ctx, &jobs[i]); err != nil {
				slog.Error("failed to process analysis job",
					"job_id", jobs[i].ID,
					"error", err,
				)
			}
		}
	}
}

// processJob scores a queued event and records the outcome.
func (w *Worker) processJob(ctx context.Context, job *domain.AnalysisJob) error {
	start := time.Now()

	if job.Event == nil {
		slog.Warn("analysis job carries no event, dropping",
			"job_id", job.ID,
		)
		return nil
	}
	event := job.Event

	snap, err := scoring.BuildSnapshot(ctx, w.store, event)
	if err != nil {
		return err
	}

	eval := w.engine.Evaluate(ctx, snap)
	if !job.EnqueuedAt.IsZero() {
		eval.Metadata.QueueMs = start.Sub(job.EnqueuedAt).Milliseconds()
		eval.Metadata.TotalMs = time.Since(job.EnqueuedAt).Milliseconds()
	}

	if err := w.store.CacheRiskScore(ctx, event.UserID, eval.Score, domain.DefaultRiskScoreTTL); err != nil {
		slog.Error("failed to cache risk score",
			"user_id", event.UserID,
			"error", err,
		)
	}

	if event.SessionID != "" {
		w.updateSessionRisk(ctx, event, eval)
	}

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, eval); err != nil {
			slog.Error("failed to save evaluation",
				"transaction_id", event.TransactionID,
				"error", err,
			)
		}
	}

	resultPayload, _ := json.Marshal(eval)
	if err := w.bus.Publish(ctx, domain.TopicDecision, resultPayload); err != nil {
		slog.Error("failed to publish decision",
			"transaction_id", event.TransactionID,
			"error", err,
		)
	}

	if eval.Status == domain.EvalStatusAlert {
		w.alerts.Add(1)

		reason := "risk score above alert threshold"
		if reasons := eval.Reasons(); len(reasons) > 0 {
			reason = reasons[0]
		}
		if err := w.store.FlagSuspicious(ctx, event.UserID, reason, w.cfg.FlagDuration); err != nil {
			slog.Error("failed to flag user",
				"user_id", event.UserID,
				"error", err,
			)
		}

		if err := w.bus.Publish(ctx, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"transaction_id", event.TransactionID,
				"error", err,
			)
		}
	}

	w.processed.Add(1)

	slog.Info("event analyzed",
		"transaction_id", event.TransactionID,
		"user_id", event.UserID,
		"status", eval.Status,
		"score", eval.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// updateSessionRisk rolls the evaluation into the session's running risk state.
func (w *Worker) updateSessionRisk(ctx context.Context, event *domain.PaymentEvent, eval *domain.Evaluation) {
	risk, err := w.store.SessionRisk(ctx, event.SessionID)
	if err != nil {
		slog.Error("failed to load session risk",
			"session_id", event.SessionID,
			"error", err,
		)
		return
	}
	if risk == nil {
		risk = &domain.SessionRisk{SessionID: event.SessionID}
	}

	risk.EventCount++
	risk.LastEventAt = time.Now().UTC()
	if eval.Score > risk.Score {
		risk.Score = eval.Score
	}
	risk.Reasons = eval.Reasons()

	if err := w.store.StoreSessionRisk(ctx, event.SessionID, risk, w.sessionTTL); err != nil {
		slog.Error("failed to store session risk",
			"session_id", event.SessionID,
			"error", err,
		)
	}
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() error {
	w.cancel()
	w.wg.Wait()

	slog.Info("analysis worker stopped",
		"processed", w.processed.Load(),
		"alerts", w.alerts.Load(),
	)
	return nil
}

// Stats holds worker counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Alerts    int64 `json:"alerts"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Alerts:    w.alerts.Load(),
	}
}
