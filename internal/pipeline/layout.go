// Package pipeline implements the build, download, convert and analyze
// stages of a dataset run and the snapshot that carries a dataset between
// runs.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"certcore/internal/collate"
)

// SnapshotFile is the name of the serialized dataset inside the root.
const SnapshotFile = "dataset.json"

// Layout resolves the working directory of one dataset.
type Layout struct {
	Root string
}

// WebDir holds the downloaded listings.
func (l Layout) WebDir() string { return filepath.Join(l.Root, "web") }

func (l Layout) ReportPDFDir() string  { return filepath.Join(l.Root, "reports", "pdf") }
func (l Layout) ReportTextDir() string { return filepath.Join(l.Root, "reports", "txt") }
func (l Layout) TargetPDFDir() string  { return filepath.Join(l.Root, "targets", "pdf") }
func (l Layout) TargetTextDir() string { return filepath.Join(l.Root, "targets", "txt") }

// SnapshotPath is where the dataset is saved after every stage.
func (l Layout) SnapshotPath() string { return filepath.Join(l.Root, SnapshotFile) }

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	if l.Root == "" {
		return fmt.Errorf("dataset root is required")
	}
	for _, dir := range []string{l.WebDir(), l.ReportPDFDir(), l.ReportTextDir(), l.TargetPDFDir(), l.TargetTextDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DocumentName returns the file name a document link is stored under. The
// name is the pairing key of the link, so converted texts pair back to their
// certificate. Links whose key is empty or would not survive a second
// derivation are rejected.
func DocumentName(link string) (string, error) {
	key := collate.Key(link)
	if key == "" {
		return "", fmt.Errorf("link %q has no file name", link)
	}
	if strings.ContainsAny(key, `/\`) || key == ".." || collate.Key(key) != key {
		return "", fmt.Errorf("link %q yields unusable file name %q", link, key)
	}
	return key, nil
}

// TextName is the converted text name of a document name.
func TextName(name string) string { return name + ".txt" }

// ListingName is the file name a listing source is saved under in WebDir.
// The index keeps names distinct when several sources share a base name.
func ListingName(i int, src string) string {
	key := collate.Key(src)
	if key == "" || strings.ContainsAny(key, `/\?`) {
		key = "listing"
	}
	return fmt.Sprintf("%02d_%s", i, key)
}
