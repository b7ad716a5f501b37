package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/keystore/keystoretest"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/storage/memory"
	"pkt.systems/keyd/internal/storage/retry"
)

func TestObjectStoreContract(t *testing.T) {
	keystoretest.Run(t, func(t *testing.T) keystore.Store {
		store := New(memory.New(), pslog.NoopLogger())
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestRecordLayout(t *testing.T) {
	backend := memory.New()
	store := New(backend, nil)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := keystore.Record{
		Key:            "KEY-layoutlayout0000",
		IssuedToOrigin: keystore.StringPtr("2001:db8::1"),
		ExpiresAt:      now.Add(24 * time.Hour),
		CreatedAt:      now,
	}
	if err := store.Insert(ctx, rec, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	obj, err := backend.GetObject(ctx, "keys/KEY-layoutlayout0000.json")
	if err != nil {
		t.Fatalf("get record object: %v", err)
	}
	want := `{"key":"KEY-layoutlayout0000","issuedToOrigin":"2001:db8::1","claimedByClientId":null,"used":false,"expiresAt":"2025-01-02T00:00:00Z","createdAt":"2025-01-01T00:00:00Z","rev":"`
	if !strings.HasPrefix(string(obj.Body), want) {
		t.Fatalf("unexpected layout:\n got %s\nwant prefix %s", obj.Body, want)
	}
	markers, err := backend.ListObjects(ctx, "origins/")
	if err != nil || len(markers) != 1 {
		t.Fatalf("expected one origin marker, got %v err=%v", markers, err)
	}
	if markers[0] != "origins/2001%3Adb8%3A%3A1.json" {
		t.Fatalf("unexpected marker object %q", markers[0])
	}
}

type flakyBackend struct {
	storage.Backend
	failPuts int
}

func (f *flakyBackend) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	if f.failPuts > 0 {
		f.failPuts--
		return "", errors.New("disk on fire")
	}
	return f.Backend.PutObject(ctx, key, body, opts)
}

func TestInsertSurfacesBackendErrors(t *testing.T) {
	backend := &flakyBackend{Backend: memory.New(), failPuts: 1}
	store := New(backend, nil)
	now := time.Now().UTC()
	err := store.Insert(context.Background(), keystore.Record{Key: "KEY-boomboomboomboom", ExpiresAt: now.Add(time.Hour)}, now)
	if err == nil || errors.Is(err, keystore.ErrDuplicateKey) {
		t.Fatalf("expected backend failure, got %v", err)
	}
	if _, err := store.Get(context.Background(), "KEY-boomboomboomboom"); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("failed insert must not leave a record, got %v", err)
	}
}

// lostAckBackend applies the first conditional put and then reports a
// transient failure, as a timed out request whose write still landed would.
type lostAckBackend struct {
	storage.Backend
	dropped bool
}

func (b *lostAckBackend) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	etag, err := b.Backend.PutObject(ctx, key, body, opts)
	if err == nil && opts.ExpectedETag != "" && !b.dropped {
		b.dropped = true
		return "", storage.NewTransientError(errors.New("connection reset"))
	}
	return etag, err
}

func TestMarkUsedSurvivesLostAcknowledgement(t *testing.T) {
	flaky := &lostAckBackend{Backend: memory.New()}
	backend := retry.Wrap(flaky, pslog.NoopLogger(), nil, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	store := New(backend, nil)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := keystore.Record{
		Key:               "KEY-lostacklostack00",
		ClaimedByClientID: keystore.StringPtr("C1"),
		ExpiresAt:         now.Add(time.Hour),
		CreatedAt:         now,
	}
	if err := store.Insert(ctx, rec, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.MarkUsed(ctx, rec.Key, "C1", now); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if !flaky.dropped {
		t.Fatal("expected the first update acknowledgement to be dropped")
	}
	got, err := store.Get(ctx, rec.Key)
	if err != nil || !got.Used {
		t.Fatalf("expected used record, got %+v err=%v", got, err)
	}
	if err := store.MarkUsed(ctx, rec.Key, "C1", now); !errors.Is(err, keystore.ErrNotEligible) {
		t.Fatalf("second mark used: expected not eligible, got %v", err)
	}
}
