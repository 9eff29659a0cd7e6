package identifier

import (
	"context"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// Report summarises a resolution pass. Unestimated lists digests for which
// no identifier could be estimated.
type Report struct {
	Mentions    int      `json:"mentions"`
	Rewritten   int      `json:"rewritten"`
	Cycles      int      `json:"cycles"`
	Unresolved  []string `json:"unresolved,omitempty"`
	Unestimated []string `json:"unestimated,omitempty"`
}

// EstimateAll sets Processed.EstimatedCertID on every certificate. Each
// certificate is independent, so the work fans out over workers.
func EstimateAll(ctx context.Context, certs []domain.Certificate, m *matcher.Matcher, workers int) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range certs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			certs[i].Processed.EstimatedCertID = CandidatesFor(certs[i], m).Estimate()
			return nil
		})
	}
	return g.Wait()
}

// CollectMentions builds the registry of one run from every certificate's
// estimate and the identifier mentions of its report, target and
// maintenance scans.
func CollectMentions(certs []domain.Certificate) Registry {
	reg := NewRegistry()
	for _, cert := range certs {
		reg.Observe(cert.Processed.EstimatedCertID)
		observeSources(reg, cert.Sources)
		for _, m := range cert.Maintenance {
			observeSources(reg, m.Sources)
		}
	}
	return reg
}

func observeSources(reg Registry, sources domain.Sources) {
	for _, kind := range []domain.SourceKind{domain.SourceKeywords, domain.SourceTargetKeywords} {
		if rec, ok := sources.Get(kind); ok {
			for id := range rec.CertIDMentions() {
				reg.Observe(id)
			}
		}
	}
}

// Canonicalize rewrites every registry key through ctx and then collapses
// chains so every target maps to itself. Keys caught in a cycle keep their
// literal text. It returns the number of rewritten keys and broken cycles.
func Canonicalize(ctx ResolutionContext) (rewritten, cycles int) {
	if ctx.Logger == nil {
		ctx.Logger = zap.NewNop()
	}
	reg := ctx.Registry
	keys := reg.Keys()
	// Repairs probe the registry as observed, so compute first and write after.
	fixed := make(map[string]string, len(keys))
	for _, k := range keys {
		fixed[k] = ctx.Canonicalize(k)
	}
	for _, k := range keys {
		reg[k] = fixed[k]
	}
	for _, k := range keys {
		target, ok := follow(reg, k)
		if !ok {
			ctx.Logger.Warn("identifier mapping cycle, keeping literal", zap.String("cert_id", k))
			reg[k] = k
			cycles++
			continue
		}
		reg[k] = target
		if target != k {
			rewritten++
		}
	}
	return rewritten, cycles
}

// follow walks k through the registry to a fixed point.
func follow(reg Registry, k string) (string, bool) {
	seen := map[string]struct{}{k: {}}
	cur := k
	for {
		next, ok := reg[cur]
		if !ok || next == cur {
			return cur, true
		}
		if _, loop := seen[next]; loop {
			return "", false
		}
		seen[next] = struct{}{}
		cur = next
	}
}

// Resolve runs the global pass: registry build, canonicalization and the
// rewrite of every mention into ReferencedCertIDs (report and maintenance
// report scans) and TargetReferencedCertIDs (target scans). It must run
// after every estimate is in place. The registry is stored in the returned
// context and is read-only afterwards.
func Resolve(ctx ResolutionContext, certs []domain.Certificate) (ResolutionContext, Report) {
	if ctx.Logger == nil {
		ctx.Logger = zap.NewNop()
	}
	if ctx.Schemes == nil {
		ctx.Schemes = DefaultSchemes()
	}
	ctx = ctx.WithRegistry(CollectMentions(certs))
	rep := Report{Mentions: len(ctx.Registry)}
	rep.Rewritten, rep.Cycles = Canonicalize(ctx)

	known := make(map[string]struct{}, len(certs))
	for i := range certs {
		p := &certs[i].Processed
		p.CertID = ctx.Registry.Lookup(p.EstimatedCertID)
		if p.CertID == "" {
			rep.Unestimated = append(rep.Unestimated, certs[i].Digest)
			ctx.Logger.Warn("cannot estimate certificate id", zap.String("dgst", certs[i].Digest), zap.String("name", certs[i].Name))
			continue
		}
		known[p.CertID] = struct{}{}
	}

	unresolved := make(map[string]struct{})
	for i := range certs {
		cert := &certs[i]
		report := make(map[string]int)
		target := make(map[string]int)
		rewrite(ctx.Registry, cert.Sources, report, target)
		for _, m := range cert.Maintenance {
			rewrite(ctx.Registry, m.Sources, report, target)
		}
		cert.Processed.ReferencedCertIDs = nilIfEmpty(report)
		cert.Processed.TargetReferencedCertIDs = nilIfEmpty(target)
		for _, refs := range []map[string]int{report, target} {
			for id := range refs {
				if _, ok := known[id]; !ok {
					unresolved[id] = struct{}{}
				}
			}
		}
	}
	for id := range unresolved {
		rep.Unresolved = append(rep.Unresolved, id)
	}
	sort.Strings(rep.Unresolved)
	for _, id := range rep.Unresolved {
		ctx.Logger.Warn("unresolved identifier kept as literal", zap.String("cert_id", id))
	}
	ctx.Logger.Info("identifiers resolved",
		zap.Int("mentions", rep.Mentions),
		zap.Int("rewritten", rep.Rewritten),
		zap.Int("unresolved", len(rep.Unresolved)))
	return ctx, rep
}

func rewrite(reg Registry, sources domain.Sources, report, target map[string]int) {
	if rec, ok := sources.Get(domain.SourceKeywords); ok {
		for id, n := range rec.CertIDMentions() {
			report[reg.Lookup(id)] += n
		}
	}
	if rec, ok := sources.Get(domain.SourceTargetKeywords); ok {
		for id, n := range rec.CertIDMentions() {
			target[reg.Lookup(id)] += n
		}
	}
}

func nilIfEmpty(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	return m
}
