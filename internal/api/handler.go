// Package api provides the HTTP boundary for event ingest and signal inspection.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store   domain.SignalStore
	repo    domain.Repository
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(store domain.SignalStore, repo domain.Repository, bus domain.EventBus, version string) *Handler {
	return &Handler{
		store:   store,
		repo:    repo,
		bus:     bus,
		version: version,
	}
}

// IngestResponse is the response for POST /events.
type IngestResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Metadata      struct {
		TraceID   string `json:"traceId"`
		IngestMs  int64  `json:"ingestMs"`
		Version   string `json:"version"`
		QueuedFor string `json:"queuedFor"`
	} `json:"metadata"`
}

// IngestEvent handles POST /events requests. The event is persisted,
// recorded in the signal store, and queued for async analysis. Signal
// store outage rejects the event: screening cannot proceed without
// fraud signals.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var event domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := event.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	// Persist the raw event if a repository is available
	if h.repo != nil {
		if err := h.repo.SaveEvent(ctx, &event); err != nil {
			slog.Error("failed to save event",
				"transaction_id", event.TransactionID,
				"error", err,
			)
		}
	}

	// Record fraud signals
	if err := h.store.RecordTransaction(ctx, event.UserID, event.Summary()); err != nil {
		h.writeStoreError(w, "record transaction", err)
		return
	}

	if event.Status == domain.StatusFailed {
		if err := h.store.RecordFailedAttempt(ctx, event.UserID); err != nil {
			h.writeStoreError(w, "record failed attempt", err)
			return
		}
	}

	// Queue for async analysis
	job := &domain.AnalysisJob{
		ID:         uuid.New().String(),
		UserID:     event.UserID,
		SessionID:  event.SessionID,
		Event:      &event,
		EnqueuedAt: now,
	}
	if err := h.store.EnqueueForAnalysis(ctx, job); err != nil {
		h.writeStoreError(w, "enqueue for analysis", err)
		return
	}

	// Notify subscribers
	payload, _ := json.Marshal(&event)
	if err := h.bus.Publish(ctx, domain.TopicEventIngested, payload); err != nil {
		slog.Error("failed to publish ingested event",
			"transaction_id", event.TransactionID,
			"error", err,
		)
	}

	resp := IngestResponse{
		TransactionID: event.TransactionID,
		Status:        "received",
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.IngestMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	resp.Metadata.QueuedFor = "analysis"

	writeJSON(w, http.StatusAccepted, resp)
}

// UserSignalsResponse is the combined signal snapshot for a user.
type UserSignalsResponse struct {
	UserID             string                      `json:"userId"`
	RecentTransactions []domain.TransactionSummary `json:"recentTransactions"`
	FailedAttempts     int64                       `json:"failedAttempts"`
	RiskScore          *float64                    `json:"riskScore,omitempty"`
	Flagged            bool                        `json:"flagged"`
	FlagReason         string                      `json:"flagReason,omitempty"`
}

// UserSignals handles GET /users/{userID}/signals requests.
func (h *Handler) UserSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	recent, err := h.store.RecentTransactions(ctx, userID, domain.DefaultTransactionLogLength)
	if err != nil {
		h.writeStoreError(w, "load recent transactions", err)
		return
	}

	attempts, err := h.store.FailedAttemptCount(ctx, userID)
	if err != nil {
		h.writeStoreError(w, "load failed attempts", err)
		return
	}

	resp := UserSignalsResponse{
		UserID:             userID,
		RecentTransactions: recent,
		FailedAttempts:     attempts,
	}
	if resp.RecentTransactions == nil {
		resp.RecentTransactions = []domain.TransactionSummary{}
	}

	score, found, err := h.store.CachedRiskScore(ctx, userID)
	if err != nil {
		h.writeStoreError(w, "load risk score", err)
		return
	}
	if found {
		resp.RiskScore = &score
	}

	flagged, reason, err := h.store.IsSuspicious(ctx, userID)
	if err != nil {
		h.writeStoreError(w, "load suspicion flag", err)
		return
	}
	resp.Flagged = flagged
	resp.FlagReason = reason

	writeJSON(w, http.StatusOK, resp)
}

// FlagRequest is the request body for POST /users/{userID}/flag.
type FlagRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds,omitempty"`
}

// FlagUser handles POST /users/{userID}/flag requests.
func (h *Handler) FlagUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req FlagRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	if req.Reason == "" {
		req.Reason = "manual_review"
	}
	duration := 24 * time.Hour
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	if err := h.store.FlagSuspicious(ctx, userID, req.Reason, duration); err != nil {
		h.writeStoreError(w, "flag user", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    userID,
		"flagged":   true,
		"reason":    req.Reason,
		"expiresAt": time.Now().UTC().Add(duration),
	})
}

// UnflagUser handles DELETE /users/{userID}/flag requests.
func (h *Handler) UnflagUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.store.Unflag(ctx, userID); err != nil {
		h.writeStoreError(w, "unflag user", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"flagged": false,
	})
}

// SessionRisk handles GET /sessions/{sessionID}/risk requests.
func (h *Handler) SessionRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	risk, err := h.store.SessionRisk(ctx, sessionID)
	if err != nil {
		h.writeStoreError(w, "load session risk", err)
		return
	}
	if risk == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "session risk not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, risk)
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, evalID)
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
// Screening needs the signal store, so a dead store means not ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "signal store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeStoreError maps signal store errors to HTTP status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		slog.Error("signal store unavailable",
			"op", op,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "signal store unavailable",
		})
	default:
		slog.Error("signal store operation failed",
			"op", op,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
