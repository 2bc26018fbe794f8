package domain

import (
	"time"
)

// Evaluation is the complete screening result for a payment event.
type Evaluation struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Status        string    `json:"status"` // "ALERT" or "PASS"
	Score         float64   `json:"score"`
	Timestamp     time.Time `json:"timestamp"`

	// Rule results
	RuleResults []RuleResult `json:"ruleResults"`

	// Processing metadata
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	QueueMs        int64  `json:"queueMs,omitempty"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// Decision status constants.
const (
	EvalStatusAlert = "ALERT"
	EvalStatusPass  = "PASS"
)

// Reasons returns the reasons of all triggered rules.
func (e *Evaluation) Reasons() []string {
	var reasons []string
	for _, r := range e.RuleResults {
		if r.Triggered && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
