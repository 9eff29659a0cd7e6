package identifier

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Scheme repairs identifiers of one certification body. Canonicalize must be
// idempotent for a fixed registry.
type Scheme interface {
	Name() string
	Detect(id string) bool
	Canonicalize(id string, ctx ResolutionContext) string
}

// YearRange bounds the years probed when an identifier lacks one. To is
// exclusive.
type YearRange struct {
	From int
	To   int
}

// DefaultYearRange covers every year a certificate could have been issued in.
var DefaultYearRange = YearRange{From: 1996, To: 2030}

// Registry maps every observed identifier mention to its canonical form.
type Registry map[string]string

// NewRegistry returns a registry where every id maps to itself.
func NewRegistry(ids ...string) Registry {
	r := make(Registry, len(ids))
	for _, id := range ids {
		r.Observe(id)
	}
	return r
}

// Observe records a mention. Empty ids are ignored.
func (r Registry) Observe(id string) {
	if id == "" {
		return
	}
	if _, ok := r[id]; !ok {
		r[id] = id
	}
}

// Has reports whether id was observed.
func (r Registry) Has(id string) bool {
	_, ok := r[id]
	return ok
}

// Lookup returns the canonical form of id, or id itself when unknown.
func (r Registry) Lookup(id string) string {
	if v, ok := r[id]; ok {
		return v
	}
	return id
}

// Keys lists observed ids in sorted order.
func (r Registry) Keys() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolutionContext carries everything canonicalization reads. It is passed
// by value and never stored globally.
type ResolutionContext struct {
	Registry  Registry
	Schemes   []Scheme
	YearRange YearRange
	Logger    *zap.Logger
}

// NewContext returns a context with the built-in schemes, the default year
// range and an empty registry.
func NewContext(logger *zap.Logger) ResolutionContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ResolutionContext{
		Registry:  NewRegistry(),
		Schemes:   DefaultSchemes(),
		YearRange: DefaultYearRange,
		Logger:    logger,
	}
}

// WithSchemes returns a copy that tries extra before the existing schemes.
func (c ResolutionContext) WithSchemes(extra ...Scheme) ResolutionContext {
	schemes := make([]Scheme, 0, len(extra)+len(c.Schemes))
	schemes = append(schemes, extra...)
	c.Schemes = append(schemes, c.Schemes...)
	return c
}

// WithRegistry returns a copy reading reg.
func (c ResolutionContext) WithRegistry(reg Registry) ResolutionContext {
	c.Registry = reg
	return c
}

// SchemeFor returns the first scheme detecting id.
func (c ResolutionContext) SchemeFor(id string) (Scheme, bool) {
	for _, s := range c.Schemes {
		if s.Detect(id) {
			return s, true
		}
	}
	return nil, false
}

// Canonicalize trims trailing whitespace and applies the first matching
// scheme. Identifiers no scheme recognises are returned as trimmed literals.
func (c ResolutionContext) Canonicalize(id string) string {
	id = strings.TrimRightFunc(id, unicode.IsSpace)
	if s, ok := c.SchemeFor(id); ok {
		return s.Canonicalize(id, c)
	}
	return id
}

// probeYear returns the first year y for which base-y was observed.
func (c ResolutionContext) probeYear(bases ...string) (string, bool) {
	yr := c.YearRange
	if yr.From == 0 && yr.To == 0 {
		yr = DefaultYearRange
	}
	for year := yr.From; year < yr.To; year++ {
		suffix := "-" + strconv.Itoa(year)
		for _, base := range bases {
			if c.Registry.Has(base + suffix) {
				return strconv.Itoa(year), true
			}
		}
	}
	return "", false
}
