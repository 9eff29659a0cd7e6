package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"certcore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "reports/pdf/abc.pdf", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/pdf", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "reports/pdf/abc.pdf" || info.Size != 5 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "reports/pdf/abc.pdf", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	head, err := store.Head(ctx, "reports/pdf/abc.pdf")
	if err != nil || head.ContentType != "application/pdf" || head.Metadata["k"] != "v" {
		t.Fatalf("unexpected head %+v (%v)", head, err)
	}
	got, rc, err := store.Get(ctx, "reports/pdf/abc.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "hello" || got.Size != 5 {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := store.Put(ctx, "reports/txt/abc.txt", bytes.NewReader([]byte("text")), core.PutOptions{}); err != nil {
		t.Fatalf("put txt: %v", err)
	}
	list, err := store.List(ctx, "reports/pdf")
	if err != nil || len(list) != 1 || list[0].Key != "reports/pdf/abc.pdf" {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key != "reports/pdf/abc.pdf" {
		t.Fatalf("unexpected full list %+v", all)
	}
	deleted, err := store.Delete(ctx, "reports/pdf/abc.pdf")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if deleted, _ := store.Delete(ctx, "reports/pdf/abc.pdf"); deleted {
		t.Fatalf("second delete must report missing")
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "reports", "pdf", "abc.pdf.meta")); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed")
	}
}

func TestStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b", "x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(nil), core.PutOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Root() != "./artifacts" || store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected store %+v", store)
	}
}
