// Package scoring provides the CEL-based risk scoring engine.
//
// The engine evaluates configurable rule expressions against a snapshot of
// a user's fraud signals and aggregates the weighted results into a risk
// score in [0,1]. It never talks to the signal store directly; snapshots
// are assembled by the caller.
package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const engineVersion = "kestrel-1.0"

// Engine is the CEL-based scoring engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int

	// AlertThreshold is the aggregate score at or above which an
	// evaluation is marked ALERT.
	AlertThreshold float64
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a scoring engine with the signal snapshot variables
// registered.
func NewEngine(alertThreshold float64, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if alertThreshold <= 0 || alertThreshold > 1 {
		alertThreshold = 0.8
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("failed_attempts", cel.IntType),
		cel.Variable("recent_count", cel.IntType),
		cel.Variable("total_recent_amount", cel.DoubleType),
		cel.Variable("flagged", cel.BoolType),
		cel.Variable("is_first_time_user", cel.BoolType),
		cel.Variable("account_age_days", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:            env,
		compiledRules:  make(map[string]*CompiledRule),
		maxWorkers:     maxWorkers,
		AlertThreshold: alertThreshold,
	}, nil
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to build program for rule %s: %w", cfg.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules[cfg.ID] = &CompiledRule{Config: cfg, Program: program}
	return nil
}

// LoadRules compiles and loads all enabled rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// Snapshot is the signal state a scoring run evaluates against.
type Snapshot struct {
	Event              *domain.PaymentEvent
	FailedAttempts     int64
	RecentTransactions []domain.TransactionSummary
	Flagged            bool
	FlagReason         string
}

// BuildSnapshot assembles a snapshot for an event from the signal store.
func BuildSnapshot(ctx context.Context, store domain.SignalStore, event *domain.PaymentEvent) (*Snapshot, error) {
	snap := &Snapshot{Event: event}

	attempts, err := store.FailedAttemptCount(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("load failed attempts: %w", err)
	}
	snap.FailedAttempts = attempts

	recent, err := store.RecentTransactions(ctx, event.UserID, domain.DefaultTransactionLogLength)
	if err != nil {
		return nil, fmt.Errorf("load recent transactions: %w", err)
	}
	snap.RecentTransactions = recent

	flagged, reason, err := store.IsSuspicious(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("load suspicion flag: %w", err)
	}
	snap.Flagged = flagged
	snap.FlagReason = reason

	return snap, nil
}

// Evaluate runs all loaded rules against the snapshot and aggregates the
// weighted results into a final decision.
func (e *Engine) Evaluate(ctx context.Context, snap *Snapshot) *domain.Evaluation {
	start := time.Now()

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	eval := &domain.Evaluation{
		ID:            uuid.New().String(),
		TransactionID: snap.Event.TransactionID,
		UserID:        snap.Event.UserID,
		Timestamp:     time.Now().UTC(),
	}

	activation := buildActivation(snap)

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}
	wg.Wait()

	eval.RuleResults = results
	eval.Score = aggregate(results)
	if eval.Score >= e.AlertThreshold {
		eval.Status = domain.EvalStatusAlert
	} else {
		eval.Status = domain.EvalStatusPass
	}

	eval.Metadata = domain.EvaluationMetadata{
		RulesMs:        time.Since(start).Milliseconds(),
		TotalMs:        time.Since(start).Milliseconds(),
		RulesEvaluated: len(results),
		EngineVersion:  engineVersion,
	}

	return eval
}

func buildActivation(snap *Snapshot) map[string]any {
	var totalRecent float64
	for _, tx := range snap.RecentTransactions {
		totalRecent += tx.Amount
	}

	return map[string]any{
		"amount":              snap.Event.Amount,
		"currency":            snap.Event.Currency,
		"payment_method":      snap.Event.PaymentMethod,
		"status":              snap.Event.Status,
		"failed_attempts":     snap.FailedAttempts,
		"recent_count":        int64(len(snap.RecentTransactions)),
		"total_recent_amount": totalRecent,
		"flagged":             snap.Flagged,
		"is_first_time_user":  snap.Event.IsFirstTimeUser,
		"account_age_days":    int64(snap.Event.AccountAgeDays),
	}
}

func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		Weight: rule.Config.Weight,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Err = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Score = toScore(out)
	result.Triggered = result.Score >= 0.5
	if result.Triggered {
		result.Reason = rule.Config.Reason
		if result.Reason == "" {
			result.Reason = rule.Config.Name
		}
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// toScore converts a CEL result to a score in [0,1].
func toScore(val ref.Val) float64 {
	var score float64
	switch v := val.(type) {
	case types.Bool:
		if bool(v) {
			score = 1.0
		}
	case types.Double:
		score = float64(v)
	case types.Int:
		score = float64(v)
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// aggregate computes the weighted average of rule scores, clamped to [0,1].
// Errored rules are excluded so a broken expression cannot drag an
// otherwise-risky event below the alert threshold.
func aggregate(results []domain.RuleResult) float64 {
	var sum, totalWeight float64
	for _, r := range results {
		if r.Err != "" {
			continue
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}
		sum += r.Score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0
	}

	score := sum / totalWeight
	if score > 1 {
		return 1
	}
	return score
}

// DefaultRules returns the built-in rule set derived from the screening
// thresholds.
func DefaultRules(cfg domain.ScoringConfig) []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:         "high-amount",
			Name:       "High transaction amount",
			Expression: fmt.Sprintf("amount > %.1f ? 1.0 : 0.0", cfg.SuspiciousAmountThreshold),
			Reason:     "amount exceeds suspicious threshold",
			Weight:     1.0,
			Enabled:    true,
		},
		{
			ID:         "failed-attempts",
			Name:       "Failed payment attempts",
			Expression: fmt.Sprintf("failed_attempts >= %d ? 1.0 : double(failed_attempts) / %.1f", cfg.MaxFailedAttemptsPerHour, float64(cfg.MaxFailedAttemptsPerHour)),
			Reason:     "excessive failed attempts in window",
			Weight:     1.5,
			Enabled:    true,
		},
		{
			ID:         "velocity-burst",
			Name:       "Transaction velocity burst",
			Expression: fmt.Sprintf("recent_count >= %d ? 1.0 : 0.0", cfg.MaxRecentTransactions),
			Reason:     "transaction burst above velocity limit",
			Weight:     1.0,
			Enabled:    true,
		},
		{
			ID:         "flagged-user",
			Name:       "Previously flagged user",
			Expression: "flagged ? 1.0 : 0.0",
			Reason:     "user carries an active suspicion flag",
			Weight:     2.0,
			Enabled:    true,
		},
		{
			ID:         "new-account-high-amount",
			Name:       "First-time user with large payment",
			Expression: "is_first_time_user && amount > 1000.0 ? 0.8 : 0.0",
			Reason:     "large payment from first-time user",
			Weight:     1.0,
			Enabled:    true,
		},
	}
}
