// Package storagetest holds the conformance checks every storage.Backend
// must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/keyd/internal/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateOnly", func(t *testing.T) {
		b := newBackend(t)
		etag, err := b.PutObject(ctx, "keys/a.json", []byte(`{"v":1}`), storage.PutOptions{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if etag == "" {
			t.Fatalf("expected etag")
		}
		if _, err := b.PutObject(ctx, "keys/a.json", []byte(`{"v":2}`), storage.PutOptions{}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected cas mismatch on second create, got %v", err)
		}
		obj, err := b.GetObject(ctx, "keys/a.json")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(obj.Body) != `{"v":1}` || obj.ETag != etag {
			t.Fatalf("unexpected object %q etag=%q want %q", obj.Body, obj.ETag, etag)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		b := newBackend(t)
		etag, err := b.PutObject(ctx, "keys/b.json", []byte(`{"v":1}`), storage.PutOptions{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		next, err := b.PutObject(ctx, "keys/b.json", []byte(`{"v":2}`), storage.PutOptions{ExpectedETag: etag})
		if err != nil {
			t.Fatalf("cas update: %v", err)
		}
		if next == etag {
			t.Fatalf("etag did not change")
		}
		if _, err := b.PutObject(ctx, "keys/b.json", []byte(`{"v":3}`), storage.PutOptions{ExpectedETag: etag}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected stale etag mismatch, got %v", err)
		}
		obj, err := b.GetObject(ctx, "keys/b.json")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(obj.Body) != `{"v":2}` {
			t.Fatalf("unexpected body %q", obj.Body)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.GetObject(ctx, "keys/missing.json"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("DeleteWithETag", func(t *testing.T) {
		b := newBackend(t)
		etag, err := b.PutObject(ctx, "origins/10.0.0.1.json", []byte(`{}`), storage.PutOptions{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := b.DeleteObject(ctx, "origins/10.0.0.1.json", "stale"); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected cas mismatch, got %v", err)
		}
		if err := b.DeleteObject(ctx, "origins/10.0.0.1.json", etag); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := b.DeleteObject(ctx, "origins/10.0.0.1.json", ""); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected not found on second delete, got %v", err)
		}
		if _, err := b.PutObject(ctx, "origins/10.0.0.1.json", []byte(`{}`), storage.PutOptions{}); err != nil {
			t.Fatalf("recreate after delete: %v", err)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		b := newBackend(t)
		for _, key := range []string{"keys/c.json", "origins/x.json", "keys/a.json", "keys/b.json"} {
			if _, err := b.PutObject(ctx, key, []byte(`{}`), storage.PutOptions{}); err != nil {
				t.Fatalf("put %s: %v", key, err)
			}
		}
		keys, err := b.ListObjects(ctx, "keys/")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := []string{"keys/a.json", "keys/b.json", "keys/c.json"}
		if !reflect.DeepEqual(keys, want) {
			t.Fatalf("list = %v want %v", keys, want)
		}
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		b := newBackend(t)
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := b.PutObject(ctx, "keys/race.json", []byte(fmt.Sprintf(`{"n":%d}`, i)), storage.PutOptions{})
				if err == nil {
					wins.Add(1)
					return
				}
				if !errors.Is(err, storage.ErrCASMismatch) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
	})
}
