package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"certcore/internal/blob"
	"certcore/internal/pipeline"
	"certcore/pkg/domain"
)

// artifact is one local file and the key it is published under.
type artifact struct {
	key  string
	file string
}

// artifacts lists the documents of a certificate and, through their
// pseudo-certificates, of its maintenance updates. Keys use the digest of
// the certificate or update the document belongs to.
func artifacts(layout pipeline.Layout, cert domain.Certificate) []artifact {
	var out []artifact
	add := func(digest, link, pdfDir, textDir, pdfKind, textKind string) {
		name, err := pipeline.DocumentName(link)
		if err != nil {
			return
		}
		out = append(out,
			artifact{key: blob.ArtifactKey(pdfKind, digest, ".pdf"), file: filepath.Join(pdfDir, name)},
			artifact{key: blob.ArtifactKey(textKind, digest, ".txt"), file: filepath.Join(textDir, pipeline.TextName(name))},
		)
	}
	report := func(digest, link string) {
		add(digest, link, layout.ReportPDFDir(), layout.ReportTextDir(), blob.KindReportPDF, blob.KindReportText)
	}
	target := func(digest, link string) {
		add(digest, link, layout.TargetPDFDir(), layout.TargetTextDir(), blob.KindTargetPDF, blob.KindTargetText)
	}
	report(cert.Digest, cert.ReportLink)
	target(cert.Digest, cert.TargetLink)
	for _, m := range cert.MaintenanceCertificates() {
		out = append(out, artifacts(layout, m)...)
	}
	return out
}

// Publish copies every document of ds present on disk into store and
// replaces the dataset snapshot. An existing document is only replaced by
// a larger one. It returns the number of objects written.
func Publish(ctx context.Context, store blob.Store, layout pipeline.Layout, ds *domain.Dataset) (int, error) {
	written := 0
	if layout.Root != "" {
		for _, cert := range ds.ListCertificates() {
			for _, a := range artifacts(layout, cert) {
				if _, err := os.Stat(a.file); err != nil {
					continue
				}
				wrote, err := blob.PublishFile(ctx, store, a.key, a.file)
				if err != nil {
					return written, fmt.Errorf("publish %s: %w", a.key, err)
				}
				if wrote {
					written++
				}
			}
		}
	}
	data, err := encodeSnapshot(ds)
	if err != nil {
		return written, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := blob.Replace(ctx, store, SnapshotKey(ds.Name), data); err != nil {
		return written, err
	}
	return written + 1, nil
}
