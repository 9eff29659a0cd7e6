package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"certcore/pkg/domain"
)

// Version is the tool version written into every snapshot. Release builds
// override it through the linker.
var Version = "0.4.0"

// ErrIncompatibleSnapshot is returned when a snapshot was written by a tool
// version that cannot be resumed.
var ErrIncompatibleSnapshot = errors.New("incompatible snapshot")

// Compatible reports whether a snapshot written by version snap can be
// resumed by tool version tool: the major versions match and the snapshot
// is not newer than the tool.
func Compatible(snap, tool string) error {
	sv, err := semver.NewVersion(snap)
	if err != nil {
		return fmt.Errorf("%w: snapshot version %q: %v", ErrIncompatibleSnapshot, snap, err)
	}
	tv, err := semver.NewVersion(tool)
	if err != nil {
		return fmt.Errorf("tool version %q: %w", tool, err)
	}
	if sv.Major() != tv.Major() {
		return fmt.Errorf("%w: written by %s, tool is %s", ErrIncompatibleSnapshot, sv, tv)
	}
	if sv.GreaterThan(tv) {
		return fmt.Errorf("%w: written by newer %s, tool is %s", ErrIncompatibleSnapshot, sv, tv)
	}
	return nil
}

// SaveSnapshot writes ds as indented JSON, replacing path atomically.
func SaveSnapshot(path string, ds *domain.Dataset) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeAtomic(path, bytes.NewReader(data))
}

// LoadSnapshot reads the dataset at path and checks it against tool.
func LoadSnapshot(path, tool string) (*domain.Dataset, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- snapshot path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var ds domain.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if err := Compatible(ds.ToolVersion, tool); err != nil {
		return nil, err
	}
	if ds.Certs == nil {
		ds.Certs = make(map[string]domain.Certificate)
	}
	return &ds, nil
}
