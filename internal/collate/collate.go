// Package collate pairs records that describe the same document across
// listing and scan sources, using a key derived from download file names.
package collate

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"certcore/pkg/domain"
)

// Key derives the pairing key of a download link or file name: the
// lower-cased base name with percent-encoding decoded.
func Key(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		link = u.EscapedPath()
	}
	base := path.Base(strings.ReplaceAll(link, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	} else {
		base = strings.ReplaceAll(base, "%20", " ")
	}
	return strings.ToLower(base)
}

// Input is the full set of records of one run. CSV records decide which
// certificates exist; every other source is attached by key.
type Input struct {
	CSV   []domain.RawRecord
	Scans []domain.RawRecord
}

// Summary reports pairing gaps. Nothing in it is fatal. Unmatched lists file
// keys of scan records no certificate claimed, Missing counts certificates
// lacking a scan of the given kind and Duplicates lists keys seen more than
// once for the same source.
type Summary struct {
	Certificates int                            `json:"certificates"`
	Unmatched    map[domain.SourceKind][]string `json:"unmatched"`
	Missing      map[domain.SourceKind]int      `json:"missing"`
	Duplicates   map[domain.SourceKind][]string `json:"duplicates,omitempty"`
}

// UnmatchedTotal counts orphan records over all sources.
func (s Summary) UnmatchedTotal() int {
	n := 0
	for _, keys := range s.Unmatched {
		n += len(keys)
	}
	return n
}

// Collator builds canonical certificates from collated records.
type Collator struct {
	logger *zap.Logger
}

// New returns a collator; a nil logger discards output.
func New(logger *zap.Logger) *Collator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collator{logger: logger}
}

type index struct {
	byKind map[domain.SourceKind]map[string]domain.RawRecord
	used   map[domain.SourceKind]map[string]bool
	dups   map[domain.SourceKind][]string
}

func newIndex(scans []domain.RawRecord) *index {
	ix := &index{
		byKind: make(map[domain.SourceKind]map[string]domain.RawRecord),
		used:   make(map[domain.SourceKind]map[string]bool),
		dups:   make(map[domain.SourceKind][]string),
	}
	for _, rec := range scans {
		if rec.Source == domain.SourceCSV || rec.FileKey == "" {
			continue
		}
		records, ok := ix.byKind[rec.Source]
		if !ok {
			records = make(map[string]domain.RawRecord)
			ix.byKind[rec.Source] = records
			ix.used[rec.Source] = make(map[string]bool)
		}
		if _, dup := records[rec.FileKey]; dup {
			ix.dups[rec.Source] = append(ix.dups[rec.Source], rec.FileKey)
			continue
		}
		records[rec.FileKey] = rec
	}
	return ix
}

// attach copies the record of kind under key into sources and marks it used.
func (ix *index) attach(sources *domain.Sources, kind domain.SourceKind, key string) bool {
	if key == "" {
		return false
	}
	rec, ok := ix.byKind[kind][key]
	if !ok {
		return false
	}
	ix.used[kind][key] = true
	return sources.Set(rec)
}

// reportKinds are paired on the report link; target keywords on the target link.
var reportKinds = []domain.SourceKind{domain.SourceHTML, domain.SourceFrontpage, domain.SourceKeywords, domain.SourcePDFMeta}

func (ix *index) pair(sources *domain.Sources, reportKey, targetKey string, withHTML bool) {
	for _, kind := range reportKinds {
		if kind == domain.SourceHTML && !withHTML {
			continue
		}
		ix.attach(sources, kind, reportKey)
	}
	ix.attach(sources, domain.SourceTargetKeywords, targetKey)
}

// Collate produces one certificate per CSV record, in input order, with every
// scan sharing its key attached. Maintenance updates are paired on their own
// links independently of the parent.
func (c *Collator) Collate(in Input) ([]domain.Certificate, Summary) {
	certs := make([]domain.Certificate, 0, len(in.CSV))
	for _, rec := range in.CSV {
		certs = append(certs, fromListing(rec))
	}
	return certs, c.Attach(certs, in.Scans)
}

// Attach pairs scans onto existing certificates in place. A scan replaces
// the record of the same kind; listing records are never touched. Analysis
// uses it to add document scans to certificates built earlier.
func (c *Collator) Attach(certs []domain.Certificate, scans []domain.RawRecord) Summary {
	ix := newIndex(scans)
	for i := range certs {
		cert := &certs[i]
		ix.pair(&cert.Sources, Key(cert.ReportLink), Key(cert.TargetLink), true)
		for j := range cert.Maintenance {
			m := &cert.Maintenance[j]
			ix.pair(&m.Sources, Key(m.ReportLink), Key(m.TargetLink), false)
		}
	}

	summary := Summary{
		Unmatched:    make(map[domain.SourceKind][]string),
		Missing:      make(map[domain.SourceKind]int),
		Certificates: len(certs),
	}
	for kind, records := range ix.byKind {
		for key := range records {
			if ix.used[kind][key] {
				continue
			}
			summary.Unmatched[kind] = append(summary.Unmatched[kind], key)
		}
		sort.Strings(summary.Unmatched[kind])
		for _, key := range summary.Unmatched[kind] {
			c.logger.Warn("unpaired record", zap.String("source", string(kind)), zap.String("file_key", key))
		}
	}
	if len(ix.dups) > 0 {
		summary.Duplicates = ix.dups
		for kind, keys := range ix.dups {
			c.logger.Warn("duplicate records for key", zap.String("source", string(kind)), zap.Strings("file_keys", keys))
		}
	}
	for _, cert := range certs {
		for _, kind := range domain.SourceKinds {
			if _, ok := cert.Sources.Get(kind); !ok {
				summary.Missing[kind]++
			}
		}
	}
	c.logger.Info("collation finished",
		zap.Int("certificates", len(certs)),
		zap.Int("unmatched", summary.UnmatchedTotal()))
	return summary
}

// fromListing builds the certificate skeleton of a CSV record. The digest
// depends only on listing fields.
func fromListing(rec domain.RawRecord) domain.Certificate {
	cert := domain.Certificate{
		Category:           rec.Field(domain.FieldCategory),
		Name:               rec.Field(domain.FieldName),
		Manufacturer:       rec.Field(domain.FieldManufacturer),
		Scheme:             rec.Field(domain.FieldScheme),
		SecurityLevel:      rec.Field(domain.FieldSecurityLevel),
		ProtectionProfiles: rec.Field(domain.FieldProtectionProfiles),
		CertDate:           rec.Field(domain.FieldCertDate),
		ArchivedDate:       rec.Field(domain.FieldArchivedDate),
		ReportLink:         rec.Field(domain.FieldReportLink),
		TargetLink:         rec.Field(domain.FieldTargetLink),
	}
	cert.Digest = domain.CertificateDigest(cert.Category, cert.Name, cert.ReportLink)
	listing := rec
	listing.Maintenance = nil
	cert.Sources.Set(listing)
	if len(rec.Maintenance) > 0 {
		cert.Maintenance = make([]domain.MaintenanceRecord, len(rec.Maintenance))
		copy(cert.Maintenance, rec.Maintenance)
	}
	return cert
}
