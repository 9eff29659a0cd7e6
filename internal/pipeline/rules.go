package pipeline

import (
	"context"
	"fmt"

	"certcore/pkg/domain"
)

// MinItems warns when a stage produced fewer items of one kind than the
// configured threshold. A zero Min disables the rule.
type MinItems struct {
	Kind  string
	Count int
	Min   int
}

func (r MinItems) Name() string { return "min_items_" + r.Kind }

// Evaluate implements domain.Rule.
func (r MinItems) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	if r.Min <= 0 || r.Count >= r.Min {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{
		Rule:     r.Name(),
		Severity: domain.SeverityWarn,
		Message:  fmt.Sprintf("got %d %s items, expected at least %d", r.Count, r.Kind, r.Min),
	}}}, nil
}

// DuplicateDigests warns about listing rows that derive the same digest.
// Only the first of them becomes a certificate.
type DuplicateDigests struct{}

func (DuplicateDigests) Name() string { return "duplicate_digests" }

// Evaluate implements domain.Rule.
func (r DuplicateDigests) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	var res domain.Result
	seen := make(map[string]int)
	for _, c := range view.ListCertificates() {
		seen[c.Digest]++
		if seen[c.Digest] == 2 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("certificate %q is listed more than once", c.Name),
				Digest:   c.Digest,
			})
		}
	}
	return res, nil
}

// sliceView exposes collated certificates, duplicates included, to rules.
type sliceView []domain.Certificate

func (v sliceView) ListCertificates() []domain.Certificate { return v }

func (v sliceView) FindCertificate(digest string) (domain.Certificate, bool) {
	for _, c := range v {
		if c.Digest == digest {
			return c, true
		}
	}
	return domain.Certificate{}, false
}
