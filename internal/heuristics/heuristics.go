// Package heuristics derives the processed listing fields of certificates:
// split security levels, separated and simplified manufacturer names and the
// certification lab.
package heuristics

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// LevelNone is the listing value of certificates evaluated against a
// protection profile only.
const LevelNone = "None"

// ProfileLevels maps a protection profile id as written in the listing to
// the security level that profile mandates.
type ProfileLevels map[string]string

// SplitSecurityLevel separates "EAL4+,ALC_FLR.2" into the level and its
// augmentations.
func SplitSecurityLevel(level string) (string, []string) {
	var parts []string
	for _, p := range strings.Split(level, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], parts[1:]
}

// CertLab returns the first word of a frontpage lab field, upper-cased.
func CertLab(lab string) string {
	lab = strings.ToUpper(strings.TrimSpace(lab))
	if i := strings.IndexByte(lab, ' '); i >= 0 {
		return lab[:i]
	}
	return lab
}

// ProfileIDs splits the listing protection profile field.
func ProfileIDs(field string) []string {
	var out []string
	for _, p := range strings.Split(field, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var separators = []string{",", "/"}

// Manufacturers holds the corpus-wide manufacturer naming decisions. A joint
// listing value is split only when every part is itself listed as a sole
// manufacturer somewhere. A name is simplified to the shortest other listed
// name it starts with.
type Manufacturers struct {
	known   map[string]struct{}
	split   map[string][]string
	reduced map[string]string
}

// NewManufacturers analyses the manufacturer values of a whole listing.
func NewManufacturers(names []string, logger *zap.Logger) *Manufacturers {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manufacturers{
		known:   make(map[string]struct{}),
		split:   make(map[string][]string),
		reduced: make(map[string]string),
	}
	for _, n := range names {
		if n != "" {
			m.known[n] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(m.known))
	for n := range m.known {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		m.split[n] = m.separate(n, logger)
	}
	for _, short := range sorted {
		for _, long := range sorted {
			if short == long || !strings.HasPrefix(long, short) {
				continue
			}
			if prev, ok := m.reduced[long]; ok {
				logger.Debug("manufacturer already reduced",
					zap.String("manufacturer", long),
					zap.String("prefix", short),
					zap.String("reduced_to", prev))
				continue
			}
			m.reduced[long] = short
		}
	}
	return m
}

func (m *Manufacturers) separate(name string, logger *zap.Logger) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, sep := range separators {
		parts := strings.Split(name, sep)
		if len(parts) < 2 {
			continue
		}
		ok := true
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if _, known := m.known[parts[i]]; !known {
				ok = false
			}
		}
		if !ok {
			logger.Debug("manufacturer separator ambiguous", zap.String("manufacturer", name), zap.String("separator", sep))
			continue
		}
		for _, p := range parts {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return []string{name}
	}
	return out
}

// List returns the separated manufacturers of a listing value.
func (m *Manufacturers) List(name string) []string {
	if name == "" {
		return nil
	}
	if parts, ok := m.split[name]; ok {
		return append([]string(nil), parts...)
	}
	return []string{name}
}

// Simple returns the simplified form of one name.
func (m *Manufacturers) Simple(name string) string {
	if short, ok := m.reduced[name]; ok {
		return short
	}
	return name
}

// SimpleList simplifies every separated manufacturer of a listing value.
func (m *Manufacturers) SimpleList(name string) []string {
	parts := m.List(name)
	for i, p := range parts {
		parts[i] = m.Simple(p)
	}
	return parts
}

// Reductions returns the long name to short name simplifications.
func (m *Manufacturers) Reductions() map[string]string {
	out := make(map[string]string, len(m.reduced))
	for k, v := range m.reduced {
		out[k] = v
	}
	return out
}

// Apply fills the processed listing fields of every certificate. Levels of
// profile-only certificates are taken from profiles when known.
func Apply(certs []domain.Certificate, profiles ProfileLevels, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(certs))
	for _, c := range certs {
		names = append(names, c.Manufacturer)
	}
	manufacturers := NewManufacturers(names, logger)

	for i := range certs {
		cert := &certs[i]
		p := &cert.Processed

		if cert.Manufacturer != "" {
			p.ManufacturerList = manufacturers.List(cert.Manufacturer)
			p.ManufacturerSimpleList = manufacturers.SimpleList(cert.Manufacturer)
			p.ManufacturerSimple = manufacturers.Simple(cert.Manufacturer)
		}

		if rec, ok := cert.Sources.Get(domain.SourceFrontpage); ok {
			if lab := CertLab(rec.Field(matcher.FieldCertLab)); lab != "" {
				p.CertLab = lab
			}
		}

		p.SecurityLevel, p.SecurityLevelAugments = SplitSecurityLevel(cert.SecurityLevel)
		if len(p.SecurityLevelAugments) == 0 {
			if rec, ok := cert.Sources.Get(domain.SourceHTML); ok {
				if aug := rec.Field(domain.FieldAugments); aug != "" {
					_, p.SecurityLevelAugments = SplitSecurityLevel(LevelNone + "," + aug)
				}
			}
		}

		p.ProtectionProfileIDs = ProfileIDs(cert.ProtectionProfiles)
		for _, pp := range p.ProtectionProfileIDs {
			level, ok := profiles[pp]
			if !ok || level == "" {
				continue
			}
			switch p.SecurityLevel {
			case "", LevelNone:
				p.SecurityLevel = level
			case level:
			default:
				logger.Warn("security level differs from protection profile",
					zap.String("dgst", cert.Digest),
					zap.String("level", p.SecurityLevel),
					zap.String("profile", pp),
					zap.String("profile_level", level))
			}
			break
		}
	}
}
