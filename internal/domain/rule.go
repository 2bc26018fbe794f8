package domain

// RuleConfig defines a fraud scoring rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression evaluated against the signal snapshot.
	// Must yield a numeric score in [0,1] or a boolean (true = 1.0).
	Expression string `json:"expression"`

	// Reason reported when the rule triggers.
	Reason string `json:"reason,omitempty"`

	// Rule weight in aggregate scoring
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleResult is the output of a single rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Triggered bool    `json:"triggered"`
	Reason    string  `json:"reason,omitempty"`
	Err       string  `json:"error,omitempty"`
	ProcessMs int64   `json:"processMs"`
}
