package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/keyd/internal/correlation"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/storage/logging"
	"pkt.systems/keyd/internal/storage/memory"
)

func TestWrapPassesThroughOperations(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	store := logging.Wrap(memory.New(), logger, "storage.backend.core")
	ctx := correlation.Set(context.Background(), "corr-1")

	etag, err := store.PutObject(ctx, "keys/a.json", []byte(`{}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.GetObject(ctx, "keys/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obj.ETag != etag {
		t.Fatalf("etag mismatch: %q vs %q", obj.ETag, etag)
	}
	if _, err := store.GetObject(ctx, "keys/missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found through wrapper, got %v", err)
	}
	keys, err := store.ListObjects(ctx, "keys/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %v", keys, err)
	}
	if err := store.DeleteObject(ctx, "keys/a.json", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"storage.put_object.success", "storage.get_object.error", "corr-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}

func TestWrapNilInner(t *testing.T) {
	t.Parallel()

	if logging.Wrap(nil, nil, "") != nil {
		t.Fatal("expected nil for nil inner backend")
	}
}
