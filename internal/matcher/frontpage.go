package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"certcore/pkg/domain"
)

// Frontpage field names.
const (
	FieldCertID        = "cert_id"
	FieldCertItem      = "cert_item"
	FieldDeveloper     = "developer"
	FieldCertLab       = "cert_lab"
	FieldScheme        = "scheme"
	FieldHeaderPattern = "header_rule"
)

const defaultFrontpageLines = 15

type frontpageTemplate struct {
	scheme   string
	lines    int
	certLab  string
	patterns []*regexp.Regexp
	cut      map[string][]string
}

// FrontpageExtractor parses report headers using per-scheme templates, most
// specific first.
type FrontpageExtractor struct {
	templates []frontpageTemplate
	maxLines  int
}

// NewFrontpageExtractor compiles the frontpage section of table.
func NewFrontpageExtractor(table *Table) (*FrontpageExtractor, error) {
	if table == nil {
		return nil, fmt.Errorf("frontpage: pattern table is required")
	}
	fx := &FrontpageExtractor{}
	for _, t := range table.Frontpage {
		ft := frontpageTemplate{scheme: t.Scheme, lines: t.Lines, certLab: t.CertLab, cut: t.Cut}
		if ft.lines <= 0 {
			ft.lines = defaultFrontpageLines
		}
		for _, p := range t.Patterns {
			re, err := regexp.Compile(p + Boundary)
			if err != nil {
				return nil, fmt.Errorf("frontpage: scheme %s: compile %q: %w", t.Scheme, p, err)
			}
			ft.patterns = append(ft.patterns, re)
		}
		fx.maxLines = max(fx.maxLines, ft.lines)
		fx.templates = append(fx.templates, ft)
	}
	return fx, nil
}

// MaxLines is the number of leading lines the extractor needs.
func (fx *FrontpageExtractor) MaxLines() int {
	if fx.maxLines == 0 {
		return defaultFrontpageLines
	}
	return fx.maxLines
}

// Extract returns the header fields of the first matching template.
func (fx *FrontpageExtractor) Extract(doc Document) (map[string]string, bool) {
	lines := strings.Split(doc.Raw, "\n")
	for _, t := range fx.templates {
		head := lines
		if len(head) > t.lines {
			head = head[:t.lines]
		}
		text := strings.Join(head, LineSeparator)
		for _, re := range t.patterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			fields := map[string]string{FieldScheme: t.scheme, FieldHeaderPattern: re.String()}
			for i, name := range re.SubexpNames() {
				if name == "" || i >= len(m) {
					continue
				}
				value := m[i]
				for _, marker := range t.cut[name] {
					if idx := strings.Index(value, marker); idx >= 0 {
						value = value[:idx]
					}
				}
				fields[name] = Normalize(value)
			}
			if fields[FieldCertLab] == "" && t.certLab != "" {
				fields[FieldCertLab] = t.certLab
			}
			return fields, true
		}
	}
	return nil, false
}

// Record wraps Extract into a frontpage RawRecord for fileKey.
func (fx *FrontpageExtractor) Record(fileKey string, doc Document) (domain.RawRecord, bool) {
	fields, ok := fx.Extract(doc)
	if !ok {
		return domain.RawRecord{}, false
	}
	return domain.RawRecord{
		Source:      domain.SourceFrontpage,
		FileKey:     fileKey,
		Fields:      fields,
		DecodeError: doc.DecodeError,
	}, true
}
