package reconcile

import (
	"context"
	"fmt"

	"certcore/pkg/domain"
)

// StructuralChanges bounds the structural changes one sync may commit. A
// new certificate counts once and an update counts every changed member.
// In strict mode exceeding Max blocks the commit; in lenient mode it is a
// warning. A zero Max disables the rule.
type StructuralChanges struct {
	Max  int
	Mode domain.ConsistencyMode
}

func (r StructuralChanges) Name() string { return "max_structural_changes" }

// Evaluate implements domain.Rule.
func (r StructuralChanges) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if r.Max <= 0 {
		return domain.Result{}, nil
	}
	total := 0
	for _, c := range changes {
		switch c.Kind {
		case domain.ChangeNew:
			total++
		case domain.ChangeUpdate:
			d, err := Compare(c.Before.Raw(), c.After.Raw())
			if err != nil {
				return domain.Result{}, fmt.Errorf("diff %s: %w", c.Digest, err)
			}
			total += d.Count()
		}
	}
	if total <= r.Max {
		return domain.Result{}, nil
	}
	severity := domain.SeverityWarn
	if r.Mode == domain.ConsistencyStrict {
		severity = domain.SeverityBlock
	}
	return domain.Result{Violations: []domain.Violation{{
		Rule:     r.Name(),
		Severity: severity,
		Message:  fmt.Sprintf("%d structural changes exceed the limit of %d", total, r.Max),
	}}}, nil
}
