package identifier

import (
	"strings"
)

// DefaultSchemes returns the built-in schemes in detection order.
func DefaultSchemes() []Scheme {
	return []Scheme{ANSSI{}, BSI{}, Spain{}, Italy{}}
}

// ANSSI repairs French identifiers: a mistyped "ANSSi" prefix, "_" instead
// of "/" after the year and "_" instead of "-" elsewhere.
type ANSSI struct{}

const anssiYearEnd = len("ANSSI-CC-0000")

func (ANSSI) Name() string { return "ANSSI" }

func (ANSSI) Detect(id string) bool { return strings.HasPrefix(id, "ANSS") }

func (ANSSI) Canonicalize(id string, _ ResolutionContext) string {
	if strings.HasPrefix(id, "ANSSi") {
		id = "ANSSI" + id[len("ANSSi"):]
	}
	if len(id) > anssiYearEnd && id[anssiYearEnd] == '_' {
		id = id[:anssiYearEnd] + "/" + id[anssiYearEnd+1:]
	}
	return strings.ReplaceAll(id, "_", "-")
}

// BSI repairs German identifiers: zero-pads the number, upper-cases the
// version and infers a missing trailing year from the registry.
type BSI struct{}

const bsiPrefix = "BSI-DSZ-CC-"

func (BSI) Name() string { return "BSI" }

func (BSI) Detect(id string) bool { return strings.HasPrefix(id, bsiPrefix) }

func (BSI) Canonicalize(id string, ctx ResolutionContext) string {
	parts := strings.Split(id, "-")
	if len(parts) < 4 || parts[3] == "" {
		return id
	}
	num, rest := parts[3], parts[4:]
	var version, year string
	if len(rest) > 0 && isVersion(rest[0]) {
		version, rest = strings.ToUpper(rest[0]), rest[1:]
	}
	if len(rest) > 0 && isYear(rest[0]) {
		year, rest = rest[0], rest[1:]
	}
	if isDigits(num) && len(num) < 4 {
		num = strings.Repeat("0", 4-len(num)) + num
	}

	base := bsiPrefix + num
	if version != "" {
		base += "-" + version
	}
	if year == "" && len(rest) == 0 {
		if y, ok := ctx.probeYear(id, base); ok {
			year = y
		}
	}
	out := base
	if year != "" {
		out += "-" + year
	}
	for _, p := range rest {
		out += "-" + p
	}
	return out
}

// Spain drops the version suffix of "-INF-" identifiers, which is bumped on
// reassessment without naming a separate certificate.
type Spain struct{}

func (Spain) Name() string { return "Spain" }

func (Spain) Detect(id string) bool { return strings.Contains(id, "-INF-") }

func (Spain) Canonicalize(id string, _ ResolutionContext) string {
	parts := strings.Split(id, "-")
	if len(parts) < 4 || parts[2] != "INF" {
		return id
	}
	num := parts[3]
	if i := strings.IndexAny(num, " vV"); i >= 0 {
		num = num[:i]
	}
	if num == "" {
		return id
	}
	rest := parts[4:]
	for len(rest) > 0 && isVersion(strings.TrimSpace(rest[0])) {
		rest = rest[1:]
	}
	out := parts[0] + "-" + parts[1] + "-INF-" + num
	for _, p := range rest {
		out += "-" + p
	}
	return out
}

// Italy appends the mandatory "/RC" disambiguator.
type Italy struct{}

func (Italy) Name() string { return "Italy" }

func (Italy) Detect(id string) bool { return strings.Contains(id, "OCSI/CERT") }

func (Italy) Canonicalize(id string, _ ResolutionContext) string {
	if strings.HasSuffix(id, "/RC") {
		return id
	}
	return id + "/RC"
}

func isVersion(s string) bool {
	return len(s) > 1 && (s[0] == 'V' || s[0] == 'v') && isDigits(s[1:])
}

func isYear(s string) bool {
	return len(s) == 4 && isDigits(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
