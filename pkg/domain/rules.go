package domain

import (
	"context"
	"fmt"
	"strings"
)

// Severity describes how a consistency violation affects a run.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock aborts the stage or blocks the transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning; strict mode escalates it to a failure.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// ConsistencyMode selects how warn-level consistency violations are treated.
type ConsistencyMode string

const (
	// ConsistencyStrict turns warnings into a ConsistencyError.
	ConsistencyStrict ConsistencyMode = "strict"
	// ConsistencyLenient keeps warnings on the result and continues.
	ConsistencyLenient ConsistencyMode = "lenient"
)

// DefaultConsistencyMode is used when configuration leaves the mode empty.
const DefaultConsistencyMode = ConsistencyLenient

// Valid reports whether m is a known mode.
func (m ConsistencyMode) Valid() bool {
	return m == ConsistencyStrict || m == ConsistencyLenient
}

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Digest   string   `json:"dgst,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
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

// Warnings returns the warn-level violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v)
		}
	}
	return out
}

// Enforce applies mode to the result: blocking violations always fail,
// warnings fail only in strict mode.
func (r Result) Enforce(mode ConsistencyMode) error {
	if r.HasBlocking() {
		return ConsistencyError{Result: r}
	}
	if mode == ConsistencyStrict && len(r.Warnings()) > 0 {
		return ConsistencyError{Result: r, Strict: true}
	}
	return nil
}

// ConsistencyError is returned when a run must stop on rule violations.
type ConsistencyError struct {
	Result Result
	Strict bool
}

func (e ConsistencyError) Error() string {
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityLog {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	prefix := "consistency check failed"
	if e.Strict {
		prefix = "consistency check failed (strict)"
	}
	return prefix + ": " + strings.Join(msgs, "; ")
}

// RuleView provides read-only access to certificates for rule evaluation.
type RuleView interface {
	ListCertificates() []Certificate
	FindCertificate(digest string) (Certificate, bool)
}

// Rule defines a consistency evaluation over a dataset and pending changes.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: append([]Rule(nil), rules...)}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	if e == nil {
		return combined, nil
	}
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}
