// Package domain defines the certificate dataset model shared by the matcher,
// collation, identifier resolution, reference graph and reconciliation layers.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// SourceKind identifies the scan that produced a RawRecord.
type SourceKind string

// Scan sources. CSV is authoritative for certificate existence.
const (
	SourceCSV            SourceKind = "csv"
	SourceHTML           SourceKind = "html"
	SourceFrontpage      SourceKind = "frontpage"
	SourceKeywords       SourceKind = "keywords"
	SourceTargetKeywords SourceKind = "st_keywords"
	SourcePDFMeta        SourceKind = "pdfmeta"
)

// SourceKinds lists every scan source in pairing order.
var SourceKinds = []SourceKind{
	SourceCSV,
	SourceHTML,
	SourceFrontpage,
	SourceKeywords,
	SourceTargetKeywords,
	SourcePDFMeta,
}

// GroupCertID is the pattern group holding certificate identifier mentions.
const GroupCertID = "cert_id"

// MatchTable maps pattern group -> pattern -> normalized match -> count.
type MatchTable map[string]map[string]map[string]int

// Add accumulates n occurrences of match under group/pattern.
func (t MatchTable) Add(group, pattern, match string, n int) {
	patterns, ok := t[group]
	if !ok {
		patterns = make(map[string]map[string]int)
		t[group] = patterns
	}
	matches, ok := patterns[pattern]
	if !ok {
		matches = make(map[string]int)
		patterns[pattern] = matches
	}
	matches[match] += n
}

// Merge folds other into t.
func (t MatchTable) Merge(other MatchTable) {
	for group, patterns := range other {
		for pattern, matches := range patterns {
			for match, n := range matches {
				t.Add(group, pattern, match, n)
			}
		}
	}
}

// Counts flattens a group into match -> total count across its patterns.
func (t MatchTable) Counts(group string) map[string]int {
	out := make(map[string]int)
	for _, matches := range t[group] {
		for match, n := range matches {
			out[match] += n
		}
	}
	return out
}

// Clone returns a deep copy.
func (t MatchTable) Clone() MatchTable {
	if t == nil {
		return nil
	}
	out := make(MatchTable, len(t))
	out.Merge(t)
	return out
}

// RawRecord is one document as described by one source. It is never mutated
// after collation.
type RawRecord struct {
	Source      SourceKind          `json:"source"`
	FileKey     string              `json:"file_key"`
	Fields      map[string]string   `json:"fields,omitempty"`
	Matches     MatchTable          `json:"matches,omitempty"`
	Maintenance []MaintenanceRecord `json:"maintenance,omitempty"`
	DecodeError bool                `json:"decode_error,omitempty"`
}

// Field returns a named field or "".
func (r RawRecord) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// CertIDMentions returns identifier mentions with their counts.
func (r RawRecord) CertIDMentions() map[string]int {
	return r.Matches.Counts(GroupCertID)
}

// Sources holds at most one record per source kind. Absent scans are nil.
type Sources struct {
	CSV            *RawRecord `json:"csv_scan,omitempty"`
	HTML           *RawRecord `json:"html_scan,omitempty"`
	Frontpage      *RawRecord `json:"frontpage_scan,omitempty"`
	Keywords       *RawRecord `json:"keywords_scan,omitempty"`
	TargetKeywords *RawRecord `json:"st_keywords_scan,omitempty"`
	PDFMeta        *RawRecord `json:"pdfmeta_scan,omitempty"`
}

func (s *Sources) slot(kind SourceKind) **RawRecord {
	switch kind {
	case SourceCSV:
		return &s.CSV
	case SourceHTML:
		return &s.HTML
	case SourceFrontpage:
		return &s.Frontpage
	case SourceKeywords:
		return &s.Keywords
	case SourceTargetKeywords:
		return &s.TargetKeywords
	case SourcePDFMeta:
		return &s.PDFMeta
	}
	return nil
}

// Get returns the record for kind when present.
func (s Sources) Get(kind SourceKind) (*RawRecord, bool) {
	slot := s.slot(kind)
	if slot == nil || *slot == nil {
		return nil, false
	}
	return *slot, true
}

// Set stores rec under its own source kind. It reports false for unknown kinds.
func (s *Sources) Set(rec RawRecord) bool {
	slot := s.slot(rec.Source)
	if slot == nil {
		return false
	}
	cpy := rec
	*slot = &cpy
	return true
}

// Present lists the source kinds that carry a record.
func (s Sources) Present() []SourceKind {
	var out []SourceKind
	for _, kind := range SourceKinds {
		if _, ok := s.Get(kind); ok {
			out = append(out, kind)
		}
	}
	return out
}

// MaintenanceRecord is a dated revision of a certificate with its own scans.
type MaintenanceRecord struct {
	Date       string  `json:"maintenance_date"`
	Title      string  `json:"maintenance_title"`
	ReportLink string  `json:"maintenance_report_link"`
	TargetLink string  `json:"maintenance_st_link,omitempty"`
	Sources    Sources `json:"sources"`
}

// Digest identifies the maintenance update when materialized on its own.
func (m MaintenanceRecord) Digest(parent string) string {
	return MaintenanceDigest(parent, m.Title)
}

// MaintenanceDigest derives the pseudo-certificate identity of an update.
func MaintenanceDigest(parent, title string) string {
	return "cert_" + parent + "_update_" + first16Hex(title)
}

// CertificateDigest derives the stable key of a certificate from fields that
// never change between runs.
func CertificateDigest(category, name, reportLink string) string {
	return first16Hex(category + name + reportLink)
}

func first16Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// DocumentState tracks per-certificate artifact progress.
type DocumentState struct {
	ReportDownloadOK bool     `json:"report_download_ok"`
	TargetDownloadOK bool     `json:"st_download_ok"`
	ReportConvertOK  bool     `json:"report_convert_ok"`
	TargetConvertOK  bool     `json:"st_convert_ok"`
	ReportPath       string   `json:"report_path,omitempty"`
	TargetPath       string   `json:"st_path,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Labels returns the flags that are set, used for per-run state counters.
func (s DocumentState) Labels() []string {
	var out []string
	if s.ReportDownloadOK {
		out = append(out, "report_download_ok")
	}
	if s.TargetDownloadOK {
		out = append(out, "st_download_ok")
	}
	if s.ReportConvertOK {
		out = append(out, "report_convert_ok")
	}
	if s.TargetConvertOK {
		out = append(out, "st_convert_ok")
	}
	if len(s.Errors) > 0 {
		out = append(out, "errors")
	}
	return out
}

// Processed carries every field derived by the pipeline.
type Processed struct {
	EstimatedCertID         string              `json:"estimated_cert_id,omitempty"`
	CertID                  string              `json:"cert_id,omitempty"`
	SecurityLevel           string              `json:"cc_security_level,omitempty"`
	SecurityLevelAugments   []string            `json:"cc_security_level_augments,omitempty"`
	ManufacturerList        []string            `json:"cc_manufacturer_list,omitempty"`
	ManufacturerSimple      string              `json:"cc_manufacturer_simple,omitempty"`
	ManufacturerSimpleList  []string            `json:"cc_manufacturer_simple_list,omitempty"`
	CertLab                 string              `json:"cert_lab,omitempty"`
	ProtectionProfileIDs    []string            `json:"cc_pp_ids,omitempty"`
	ReferencedCertIDs       map[string]int      `json:"referenced_cert_ids,omitempty"`
	TargetReferencedCertIDs map[string]int      `json:"st_referenced_cert_ids,omitempty"`
	ReferenceSegments       map[string][]string `json:"reference_segments,omitempty"`
	DirectInDegree          int                 `json:"direct_refs_in_degree"`
	IndirectInDegree        int                 `json:"indirect_refs_in_degree"`
	ReferencedBy            []string            `json:"directly_referenced_by,omitempty"`
	IndirectlyReferencedBy  []string            `json:"indirectly_referenced_by,omitempty"`
}

// Certificate is the canonical record of one physical certificate.
type Certificate struct {
	Digest             string              `json:"dgst"`
	Category           string              `json:"category"`
	Name               string              `json:"name"`
	Manufacturer       string              `json:"manufacturer"`
	Scheme             string              `json:"scheme"`
	SecurityLevel      string              `json:"security_level"`
	ProtectionProfiles string              `json:"protection_profiles,omitempty"`
	CertDate           string              `json:"not_valid_before,omitempty"`
	ArchivedDate       string              `json:"not_valid_after,omitempty"`
	ReportLink         string              `json:"report_link"`
	TargetLink         string              `json:"st_link,omitempty"`
	Sources            Sources             `json:"sources"`
	Maintenance        []MaintenanceRecord `json:"maintenance_updates,omitempty"`
	State              DocumentState       `json:"state"`
	Processed          Processed           `json:"processed"`
}

// MaintenanceCertificates materializes maintenance updates as pseudo-certificates.
// Document download, conversion and publication treat each one like a
// certificate of its own.
func (c Certificate) MaintenanceCertificates() []Certificate {
	out := make([]Certificate, 0, len(c.Maintenance))
	for _, m := range c.Maintenance {
		out = append(out, Certificate{
			Digest:     m.Digest(c.Digest),
			Category:   c.Category,
			Name:       m.Title,
			Scheme:     c.Scheme,
			ReportLink: m.ReportLink,
			TargetLink: m.TargetLink,
			CertDate:   m.Date,
			Sources:    m.Sources,
		})
	}
	return out
}

// DatasetState records which pipeline stages have completed. Flags only move
// from false to true within a run.
type DatasetState struct {
	MetaParsed     bool `json:"meta_parsed"`
	PDFsDownloaded bool `json:"pdfs_downloaded"`
	PDFsConverted  bool `json:"pdfs_converted"`
	Analyzed       bool `json:"analyzed"`
}

// Dataset is the single serialized document of a run.
type Dataset struct {
	Name        string                 `json:"name"`
	ToolVersion string                 `json:"tool_version"`
	Timestamp   time.Time              `json:"timestamp"`
	State       DatasetState           `json:"state"`
	Certs       map[string]Certificate `json:"certs"`
}

// NewDataset returns an empty dataset.
func NewDataset(name, toolVersion string, now time.Time) *Dataset {
	return &Dataset{
		Name:        name,
		ToolVersion: toolVersion,
		Timestamp:   now.UTC(),
		Certs:       make(map[string]Certificate),
	}
}

// Digests returns the certificate keys in sorted order.
func (d *Dataset) Digests() []string {
	out := make([]string, 0, len(d.Certs))
	for k := range d.Certs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListCertificates returns certificates ordered by digest.
func (d *Dataset) ListCertificates() []Certificate {
	keys := d.Digests()
	out := make([]Certificate, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.Certs[k])
	}
	return out
}

// FindCertificate implements RuleView.
func (d *Dataset) FindCertificate(digest string) (Certificate, bool) {
	c, ok := d.Certs[digest]
	return c, ok
}
