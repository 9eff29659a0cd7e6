package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Artifact kinds, used as key prefixes.
const (
	KindReportPDF  = "reports/pdf"
	KindReportText = "reports/txt"
	KindTargetPDF  = "targets/pdf"
	KindTargetText = "targets/txt"
	KindSnapshot   = "snapshots"
)

// ArtifactKey names the artifact of kind for a certificate digest. ext
// carries its leading dot.
func ArtifactKey(kind, digest, ext string) string {
	return path.Join(kind, digest+ext)
}

// ContentType guesses the content type of an artifact key from its
// extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// PublishFile stores the file at src under key. An existing object is
// replaced only when src is strictly larger, so a truncated re-download
// never overwrites a complete artifact. It reports whether it wrote.
func PublishFile(ctx context.Context, store Store, key, src string) (bool, error) {
	st, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	existing, err := store.Head(ctx, key)
	switch {
	case err == nil:
		if existing.Size >= st.Size() {
			return false, nil
		}
		if _, err := store.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("replace %s: %w", key, err)
		}
	case !errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	if _, err := store.Put(ctx, key, f, PutOptions{ContentType: ContentType(key)}); err != nil {
		return false, fmt.Errorf("put %s: %w", key, err)
	}
	return true, nil
}

// Replace stores data under key, removing any existing object first.
func Replace(ctx context.Context, store Store, key string, data []byte) error {
	if _, err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: ContentType(key)}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// ReadAll returns the content stored under key.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
