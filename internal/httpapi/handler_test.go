package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/keys"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/keystore/objectstore"
	"pkt.systems/keyd/internal/storage/memory"
	"pkt.systems/pslog"
)

type testEnv struct {
	server *httptest.Server
	clock  *clock.Manual
	store  keystore.Store
}

func newTestEnv(t *testing.T, store keystore.Store, mutate func(*Config)) testEnv {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	if store == nil {
		store = objectstore.New(memory.New(), pslog.NoopLogger())
	}
	svc, err := keys.New(keys.Config{Store: store, Clock: clk})
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	cfg := Config{Keys: svc}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return testEnv{server: srv, clock: clk, store: store}
}

func doJSON(t *testing.T, method, target string, body any, headers map[string]string, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return resp
}

func (e testEnv) generate(t *testing.T, forwardedFor string) api.GenerateKeyResponse {
	t.Helper()
	var out api.GenerateKeyResponse
	headers := map[string]string{}
	if forwardedFor != "" {
		headers["X-Forwarded-For"] = forwardedFor
	}
	resp := doJSON(t, http.MethodPost, e.server.URL+"/generate-key", nil, headers, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d", resp.StatusCode)
	}
	return out
}

func (e testEnv) verify(t *testing.T, key, clientID string) (int, api.VerifyKeyResponse) {
	t.Helper()
	q := url.Values{}
	if key != "" {
		q.Set("key", key)
	}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	var out api.VerifyKeyResponse
	resp := doJSON(t, http.MethodGet, e.server.URL+"/verify-key?"+q.Encode(), nil, nil, &out)
	return resp.StatusCode, out
}

func TestGenerateKeyThrottlesPerOrigin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)

	first := env.generate(t, "")
	if !strings.HasPrefix(first.Key, "KEY-") || len(first.Key) != 20 || first.Error != "" {
		t.Fatalf("unexpected first response %+v", first)
	}
	second := env.generate(t, "")
	if second.Key != "" || second.Error != api.MsgOriginThrottled {
		t.Fatalf("expected throttle, got %+v", second)
	}
}

func TestGenerateKeyTrustProxy(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, func(c *Config) { c.TrustProxy = true })

	if out := env.generate(t, "198.51.100.1, 10.0.0.1"); out.Key == "" {
		t.Fatalf("expected key, got %+v", out)
	}
	if out := env.generate(t, "198.51.100.2"); out.Key == "" {
		t.Fatalf("distinct forwarded origin should get a key, got %+v", out)
	}
	if out := env.generate(t, "198.51.100.1"); out.Error != api.MsgOriginThrottled {
		t.Fatalf("expected throttle for repeated origin, got %+v", out)
	}
}

func TestGenerateKeyIgnoresForwardedForByDefault(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	env.generate(t, "198.51.100.1")
	if out := env.generate(t, "198.51.100.2"); out.Error != api.MsgOriginThrottled {
		t.Fatalf("spoofed header must not bypass throttle, got %+v", out)
	}
}

func TestClaimKeyResponses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	key := env.generate(t, "").Key
	claimURL := env.server.URL + "/claim-key"

	cases := []struct {
		name   string
		body   any
		status int
		want   api.ClaimKeyResponse
	}{
		{name: "missing client", body: api.ClaimKeyRequest{Key: key}, status: http.StatusBadRequest, want: api.ClaimKeyResponse{Error: api.MsgClaimMissing}},
		{name: "empty body", body: nil, status: http.StatusBadRequest, want: api.ClaimKeyResponse{Error: api.MsgClaimMissing}},
		{name: "unknown key", body: api.ClaimKeyRequest{Key: "KEY-nopenopenopenope", ClientID: "C1"}, status: http.StatusNotFound, want: api.ClaimKeyResponse{Error: api.MsgKeyNotFound}},
		{name: "overlong key", body: api.ClaimKeyRequest{Key: "KEY-" + strings.Repeat("x", 300), ClientID: "C1"}, status: http.StatusNotFound, want: api.ClaimKeyResponse{Error: api.MsgKeyNotFound}},
		{name: "success", body: api.ClaimKeyRequest{Key: key, ClientID: "C1"}, status: http.StatusOK, want: api.ClaimKeyResponse{Message: api.MsgClaimSuccess}},
		{name: "same client again", body: api.ClaimKeyRequest{Key: key, ClientID: "C1"}, status: http.StatusBadRequest, want: api.ClaimKeyResponse{Error: api.MsgAlreadyClaimed}},
		{name: "other client", body: api.ClaimKeyRequest{Key: key, ClientID: "C2"}, status: http.StatusBadRequest, want: api.ClaimKeyResponse{Error: api.MsgAlreadyClaimed}},
	}
	for _, tc := range cases {
		var out api.ClaimKeyResponse
		resp := doJSON(t, http.MethodPost, claimURL, tc.body, nil, &out)
		if resp.StatusCode != tc.status || out != tc.want {
			t.Fatalf("%s: got %d %+v want %d %+v", tc.name, resp.StatusCode, out, tc.status, tc.want)
		}
	}
}

func TestClaimKeyRejectsMalformedBodies(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, func(c *Config) { c.JSONMaxBytes = 64 })
	claimURL := env.server.URL + "/claim-key"

	var out api.ErrorResponse
	resp := doJSON(t, http.MethodPost, claimURL, `{"key":`, nil, &out)
	if resp.StatusCode != http.StatusBadRequest || out.Error != api.MsgInvalidBody {
		t.Fatalf("truncated json: %d %+v", resp.StatusCode, out)
	}
	resp = doJSON(t, http.MethodPost, claimURL, `{"key":"a","clientId":"b"}{}`, nil, &out)
	if resp.StatusCode != http.StatusBadRequest || out.Error != api.MsgInvalidBody {
		t.Fatalf("trailing json: %d %+v", resp.StatusCode, out)
	}
	big := `{"key":"` + strings.Repeat("x", 128) + `","clientId":"c"}`
	resp = doJSON(t, http.MethodPost, claimURL, big, nil, &out)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || out.Error != api.MsgBodyTooLarge {
		t.Fatalf("oversized body: %d %+v", resp.StatusCode, out)
	}
}

func TestClaimExpiredKeyIsNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	key := env.generate(t, "").Key
	env.clock.Advance(24*time.Hour + time.Minute)
	var out api.ClaimKeyResponse
	resp := doJSON(t, http.MethodPost, env.server.URL+"/claim-key", api.ClaimKeyRequest{Key: key, ClientID: "C1"}, nil, &out)
	if resp.StatusCode != http.StatusNotFound || out.Error != api.MsgKeyNotFound {
		t.Fatalf("got %d %+v", resp.StatusCode, out)
	}
}

func TestVerifyKeyFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	key := env.generate(t, "").Key

	if status, out := env.verify(t, "", "C1"); status != http.StatusOK || out.Valid || out.Error != api.MsgVerifyMissing {
		t.Fatalf("missing key: %d %+v", status, out)
	}
	if status, out := env.verify(t, "KEY-"+strings.Repeat("x", 300), "C1"); status != http.StatusOK || out.Valid || out.Error != api.MsgVerifyInvalid {
		t.Fatalf("overlong key: %d %+v", status, out)
	}
	if status, out := env.verify(t, key, "C1"); status != http.StatusOK || out.Valid || out.Error != api.MsgVerifyInvalid {
		t.Fatalf("unclaimed: %d %+v", status, out)
	}
	doJSON(t, http.MethodPost, env.server.URL+"/claim-key", api.ClaimKeyRequest{Key: key, ClientID: "C1"}, nil, nil)
	if status, out := env.verify(t, key, "C2"); status != http.StatusOK || out.Valid || out.Error != api.MsgVerifyInvalid {
		t.Fatalf("wrong client: %d %+v", status, out)
	}
	if status, out := env.verify(t, key, "C1"); status != http.StatusOK || !out.Valid || out.Error != "" {
		t.Fatalf("first verify: %d %+v", status, out)
	}
	if status, out := env.verify(t, key, "C1"); status != http.StatusOK || out.Valid || out.Error != api.MsgVerifyInvalid {
		t.Fatalf("second verify: %d %+v", status, out)
	}
}

func TestVerifyKeyConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	key := env.generate(t, "").Key
	doJSON(t, http.MethodPost, env.server.URL+"/claim-key", api.ClaimKeyRequest{Key: key, ClientID: "C1"}, nil, nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		valid int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(env.server.URL + "/verify-key?" + url.Values{"key": {key}, "clientId": {"C1"}}.Encode())
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			defer resp.Body.Close()
			var out api.VerifyKeyResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if out.Valid {
				mu.Lock()
				valid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if valid != 1 {
		t.Fatalf("expected one valid verification, got %d", valid)
	}
}

type brokenStore struct {
	keystore.Store
}

var errBroken = errors.New("store offline")

func (brokenStore) Insert(context.Context, keystore.Record, time.Time) error { return errBroken }
func (brokenStore) Bind(context.Context, string, string, time.Time) error     { return errBroken }
func (brokenStore) MarkUsed(context.Context, string, string, time.Time) error { return errBroken }

func TestStoreFailuresRenderEndpointShapes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, brokenStore{}, nil)

	var gen api.GenerateKeyResponse
	resp := doJSON(t, http.MethodPost, env.server.URL+"/generate-key", nil, nil, &gen)
	if resp.StatusCode != http.StatusInternalServerError || gen.Error != api.MsgInternalError {
		t.Fatalf("generate: %d %+v", resp.StatusCode, gen)
	}

	var claim api.ClaimKeyResponse
	resp = doJSON(t, http.MethodPost, env.server.URL+"/claim-key", api.ClaimKeyRequest{Key: "KEY-aaaaaaaaaaaaaaaa", ClientID: "C1"}, nil, &claim)
	if resp.StatusCode != http.StatusInternalServerError || claim.Error != api.MsgClaimErrorPrefix+errBroken.Error() {
		t.Fatalf("claim: %d %+v", resp.StatusCode, claim)
	}

	status, verify := env.verify(t, "KEY-aaaaaaaaaaaaaaaa", "C1")
	if status != http.StatusInternalServerError || verify.Valid || verify.Error != api.MsgInternalError {
		t.Fatalf("verify: %d %+v", status, verify)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/claim-key", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("allow methods %q", got)
	}

	out := env.generate(t, "")
	if out.Key == "" {
		t.Fatalf("generate: %+v", out)
	}
}

func TestCustomCORSOrigin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, func(c *Config) { c.CORSOrigin = "https://keys.example.com" })
	resp := doJSON(t, http.MethodGet, env.server.URL+"/healthz", nil, nil, nil)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://keys.example.com" {
		t.Fatalf("allow origin %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	var out api.ErrorResponse
	resp := doJSON(t, http.MethodGet, env.server.URL+"/generate-key", nil, nil, &out)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("allow header %q", allow)
	}
}

func TestLandingPageAndHealth(t *testing.T) {
	t.Parallel()
	var ready atomic.Bool
	env := newTestEnv(t, nil, func(c *Config) { c.Ready = ready.Load })

	resp, err := http.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("index: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !bytes.Contains(body, []byte("/generate-key")) {
		t.Fatalf("landing page does not reference /generate-key")
	}

	resp = doJSON(t, http.MethodGet, env.server.URL+"/no-such-page", nil, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status %d", resp.StatusCode)
	}

	var health api.HealthResponse
	if resp := doJSON(t, http.MethodGet, env.server.URL+"/healthz", nil, nil, &health); resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Fatalf("healthz: %d %+v", resp.StatusCode, health)
	}
	if resp := doJSON(t, http.MethodGet, env.server.URL+"/readyz", nil, nil, &health); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready: %d", resp.StatusCode)
	}
	ready.Store(true)
	if resp := doJSON(t, http.MethodGet, env.server.URL+"/readyz", nil, nil, &health); resp.StatusCode != http.StatusOK || health.Status != "ready" {
		t.Fatalf("readyz: %d %+v", resp.StatusCode, health)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil)
	resp := doJSON(t, http.MethodGet, env.server.URL+"/healthz", nil, map[string]string{headerCorrelationID: "trace-me-123"}, nil)
	if got := resp.Header.Get(headerCorrelationID); got != "trace-me-123" {
		t.Fatalf("correlation header %q", got)
	}
	resp = doJSON(t, http.MethodGet, env.server.URL+"/healthz", nil, nil, nil)
	if resp.Header.Get(headerCorrelationID) == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestNewRequiresService(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without key service")
	}
}
