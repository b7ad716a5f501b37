package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newTestStore(t) })
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"", "../escape", "keys/../../escape", "/abs", "keys//double"} {
		if _, err := store.PutObject(ctx, key, []byte(`{}`), storage.PutOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestSecondStoreSharesRoot(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "shared")
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ctx := context.Background()
	etag, err := a.PutObject(ctx, "keys/KEY-shared.json", []byte(`{"k":1}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put via a: %v", err)
	}
	obj, err := b.GetObject(ctx, "keys/KEY-shared.json")
	if err != nil {
		t.Fatalf("get via b: %v", err)
	}
	if obj.ETag != etag {
		t.Fatalf("etag mismatch: %q vs %q", obj.ETag, etag)
	}
}

func TestLastModifiedUsesClock(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	store, err := New(Config{Root: t.TempDir(), Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "keys/a.json", []byte(`{}`), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.GetObject(ctx, "keys/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !obj.LastModified.Equal(fixed) {
		t.Fatalf("last modified = %v want %v", obj.LastModified, fixed)
	}
}

func TestDeletePrunesEmptyDirectories(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	etag, err := store.PutObject(ctx, "origins/nested/x.json", []byte(`{}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "origins/nested/x.json", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "objects", "origins")); !os.IsNotExist(err) {
		t.Fatalf("expected origins dir pruned, stat err=%v", err)
	}
}
