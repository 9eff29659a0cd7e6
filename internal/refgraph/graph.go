// Package refgraph builds the certificate reference graph from resolved
// identifier mentions and computes its transitive closure.
package refgraph

import (
	"fmt"
	"sort"

	"certcore/pkg/domain"
)

// Sources selects which scans contribute edges.
type Sources string

const (
	SourcesBoth     Sources = "both"
	SourcesCertOnly Sources = "cert_only"
	SourcesSTOnly   Sources = "st_only"
)

// Valid reports whether s is a known selection.
func (s Sources) Valid() bool {
	switch s {
	case SourcesBoth, SourcesCertOnly, SourcesSTOnly:
		return true
	}
	return false
}

// Graph is a directed reference graph over canonical identifiers. Nodes are
// identifiers resolved to at least one certificate; an edge a -> b means the
// documents of a mention b, weighted by the number of mentions.
type Graph struct {
	digests map[string][]string
	edges   map[string]map[string]int
	preds   map[string]map[string]struct{}
}

// Build collects direct edges from every certificate with a resolved
// identifier. Self-references and mentions of identifiers without a
// certificate are skipped.
func Build(certs []domain.Certificate, src Sources) (*Graph, error) {
	if src == "" {
		src = SourcesBoth
	}
	if !src.Valid() {
		return nil, fmt.Errorf("unknown graph sources %q", src)
	}
	g := &Graph{
		digests: make(map[string][]string),
		edges:   make(map[string]map[string]int),
		preds:   make(map[string]map[string]struct{}),
	}
	for _, c := range certs {
		if id := c.Processed.CertID; id != "" {
			g.digests[id] = append(g.digests[id], c.Digest)
		}
	}
	for _, c := range certs {
		from := c.Processed.CertID
		if from == "" {
			continue
		}
		if src != SourcesSTOnly {
			g.addAll(from, c.Processed.ReferencedCertIDs)
		}
		if src != SourcesCertOnly {
			g.addAll(from, c.Processed.TargetReferencedCertIDs)
		}
	}
	return g, nil
}

func (g *Graph) addAll(from string, refs map[string]int) {
	for to, n := range refs {
		if to == from || n <= 0 {
			continue
		}
		if _, ok := g.digests[to]; !ok {
			continue
		}
		g.AddEdge(from, to, n)
	}
}

// AddEdge adds n mentions of to from the documents of from.
func (g *Graph) AddEdge(from, to string, n int) {
	out, ok := g.edges[from]
	if !ok {
		out = make(map[string]int)
		g.edges[from] = out
	}
	out[to] += n
	in, ok := g.preds[to]
	if !ok {
		in = make(map[string]struct{})
		g.preds[to] = in
	}
	in[from] = struct{}{}
}

// Nodes lists every identifier that has a certificate or takes part in an
// edge, sorted.
func (g *Graph) Nodes() []string {
	set := make(map[string]struct{}, len(g.digests))
	for id := range g.digests {
		set[id] = struct{}{}
	}
	for from, out := range g.edges {
		set[from] = struct{}{}
		for to := range out {
			set[to] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Weight returns the number of mentions of to in the documents of from.
func (g *Graph) Weight(from, to string) int {
	return g.edges[from][to]
}

// Predecessors lists the identifiers with an edge into id, sorted.
func (g *Graph) Predecessors(id string) []string {
	return sortedKeys(g.preds[id])
}

// InDegree is the number of distinct identifiers referencing id directly.
func (g *Graph) InDegree(id string) int {
	return len(g.preds[id])
}

// Observer receives the closure size of every node after each pass.
type Observer func(pass int, sizes map[string]int)

// Closure computes, for every node, the set of identifiers that reach it
// through one or more edges. Starting from the direct predecessors it unions
// in the closures of members until a full pass adds nothing. A node on a
// cycle reaches itself.
func (g *Graph) Closure(observe Observer) map[string]map[string]struct{} {
	nodes := g.Nodes()
	closure := make(map[string]map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set := make(map[string]struct{}, len(g.preds[n]))
		for p := range g.preds[n] {
			set[p] = struct{}{}
		}
		closure[n] = set
	}
	for pass := 1; ; pass++ {
		changed := false
		for _, n := range nodes {
			set := closure[n]
			for _, m := range sortedKeys(set) {
				for k := range closure[m] {
					if _, ok := set[k]; !ok {
						set[k] = struct{}{}
						changed = true
					}
				}
			}
		}
		if observe != nil {
			sizes := make(map[string]int, len(closure))
			for n, set := range closure {
				sizes[n] = len(set)
			}
			observe(pass, sizes)
		}
		if !changed {
			return closure
		}
	}
}

// IndirectInDegree returns |closure(n)| for every node.
func (g *Graph) IndirectInDegree() map[string]int {
	out := make(map[string]int)
	for n, set := range g.Closure(nil) {
		out[n] = len(set)
	}
	return out
}

// Apply writes degrees and referencing identifiers onto every certificate
// with a resolved identifier.
func (g *Graph) Apply(certs []domain.Certificate) {
	closure := g.Closure(nil)
	for i := range certs {
		p := &certs[i].Processed
		if p.CertID == "" {
			continue
		}
		p.DirectInDegree = g.InDegree(p.CertID)
		p.ReferencedBy = nilIfEmpty(g.Predecessors(p.CertID))
		p.IndirectInDegree = len(closure[p.CertID])
		p.IndirectlyReferencedBy = nilIfEmpty(sortedKeys(closure[p.CertID]))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
