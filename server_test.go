package keyd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/keystore/objectstore"
	"pkt.systems/keyd/internal/storage/memory"
	"pkt.systems/pslog"
)

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServerKeyLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.DebugLevel))
	base := ts.URL()

	var gen api.GenerateKeyResponse
	if status := postJSON(t, base+"/generate-key", nil, &gen); status != http.StatusOK {
		t.Fatalf("generate: status %d", status)
	}
	if !strings.HasPrefix(gen.Key, "KEY-") {
		t.Fatalf("unexpected key %q", gen.Key)
	}

	var throttled api.GenerateKeyResponse
	postJSON(t, base+"/generate-key", nil, &throttled)
	if throttled.Error != api.MsgOriginThrottled || throttled.Key != "" {
		t.Fatalf("expected throttle, got %+v", throttled)
	}

	var claim api.ClaimKeyResponse
	status := postJSON(t, base+"/claim-key", api.ClaimKeyRequest{Key: gen.Key, ClientID: "client-1"}, &claim)
	if status != http.StatusOK || claim.Message != api.MsgClaimSuccess {
		t.Fatalf("claim: %d %+v", status, claim)
	}

	var verify api.VerifyKeyResponse
	getJSON(t, base+"/verify-key?key="+gen.Key+"&clientId=client-1", &verify)
	if !verify.Valid {
		t.Fatalf("first verify should succeed: %+v", verify)
	}
	verify = api.VerifyKeyResponse{}
	getJSON(t, base+"/verify-key?key="+gen.Key+"&clientId=client-1", &verify)
	if verify.Valid || verify.Error != api.MsgVerifyInvalid {
		t.Fatalf("second verify should fail: %+v", verify)
	}

	var health api.HealthResponse
	if status := getJSON(t, base+"/readyz", &health); status != http.StatusOK || health.Status != "ready" {
		t.Fatalf("readyz: %d %+v", status, health)
	}
}

func TestServerReaperSweepsExpiredKeys(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ts := StartTestServer(t, WithTestConfig(Config{KeyTTL: time.Hour, ReapInterval: 2 * time.Hour}), WithTestClock(clk))
	srv, base := ts.Server, ts.URL()

	var gen api.GenerateKeyResponse
	postJSON(t, base+"/generate-key", nil, &gen)
	if gen.Key == "" {
		t.Fatalf("generate: %+v", gen)
	}

	clk.BlockUntil(1)
	clk.Advance(2 * time.Hour)
	clk.BlockUntil(1)

	if _, err := srv.Keys().Store().Get(context.Background(), gen.Key); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("expected swept key, got %v", err)
	}
	var retry api.GenerateKeyResponse
	postJSON(t, base+"/generate-key", nil, &retry)
	if retry.Key == "" || retry.Key == gen.Key {
		t.Fatalf("origin should be free after sweep: %+v", retry)
	}
}

type closeCountingStore struct {
	keystore.Store
	closed atomic.Int32
}

func (s *closeCountingStore) Close() error {
	s.closed.Add(1)
	return s.Store.Close()
}

func TestServerDoesNotCloseInjectedKeyStore(t *testing.T) {
	t.Parallel()
	store := &closeCountingStore{Store: objectstore.New(memory.New(), pslog.NoopLogger())}
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"}, WithKeyStore(store))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if srv.Keys().Store() != keystore.Store(store) {
		t.Fatal("server should use the injected store")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := store.closed.Load(); got != 0 {
		t.Fatalf("injected store closed %d times", got)
	}
}

func TestServerWithBackend(t *testing.T) {
	t.Parallel()
	backend := memory.New()
	ts := StartTestServer(t, WithTestBackend(backend))
	base := ts.URL()
	if ts.Backend() != backend {
		t.Fatal("test server should expose the injected backend")
	}

	var gen api.GenerateKeyResponse
	postJSON(t, base+"/generate-key", nil, &gen)
	if gen.Key == "" {
		t.Fatalf("generate: %+v", gen)
	}
	keys, err := backend.ListObjects(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("expected objects written to the injected backend")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Store: "ftp://example/keys"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
	if _, err := NewServer(Config{KeyTTL: -time.Minute}); err == nil {
		t.Fatal("expected ttl error")
	}
}

func TestStartServerCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	srv, _, err := StartServer(ctx, Config{Listen: "127.0.0.1:0", DisableHTTPTracing: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for srv.ListenerAddr() != nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not stop after context cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
