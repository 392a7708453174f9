package domain

import "context"

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine whether the statement is sent.
const (
	// SeverityBlock stops the persist request with a ValidationError.
	SeverityBlock Severity = "block"
	// SeverityWarn is logged but the write proceeds.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation is one rule finding.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Type     string
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// PendingChange describes a write about to be executed.
type PendingChange struct {
	Type    string
	Op      PersistOp
	ID      Identity
	Bean    any
	Changed []string
}

// Rule defines a check evaluated before a persist request executes.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, change PendingChange) (Result, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, change PendingChange) (Result, error)
}

func (f RuleFunc) Name() string { return f.RuleName }

func (f RuleFunc) Evaluate(ctx context.Context, change PendingChange) (Result, error) {
	return f.Fn(ctx, change)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Len returns the number of registered rules.
func (e *RulesEngine) Len() int { return len(e.rules) }

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, change PendingChange) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, change)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
