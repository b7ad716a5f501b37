package keyd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/storage/memory"
	"pkt.systems/pslog"
)

// TestServer wraps a running keyd.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		NoColor:          true,
		DisableTimestamp: true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// Backend exposes the object storage backend used by the server.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

type testServerOptions struct {
	cfg      Config
	cfgFuncs []func(*Config)
	backend  storage.Backend
	logger   pslog.Logger
	clock    clock.Clock
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server is built.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.cfgFuncs = append(o.cfgFuncs, fn)
		}
	}
}

// WithTestBackend serves keys from backend instead of a fresh memory backend.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestLogger sets the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t.Log at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = NewTestingLogger(t, level)
	}
}

// WithTestClock injects a clock, typically a *clock.Manual.
func WithTestClock(clk clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = clk
	}
}

// NewTestServer starts a keyd server on a loopback port backed by an
// in-memory object store unless configured otherwise. Cancelling ctx stops
// the server.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Store == "" {
		cfg.Store = DefaultStore
	}
	cfg.DisableHTTPTracing = true
	for _, fn := range o.cfgFuncs {
		fn(&cfg)
	}

	backend := o.backend
	if backend == nil && strings.HasPrefix(cfg.Store, "mem") {
		backend = memory.New()
	}
	serverOpts := []Option{WithLogger(o.logger)}
	if backend != nil {
		serverOpts = append(serverOpts, WithBackend(backend))
	}
	if o.clock != nil {
		serverOpts = append(serverOpts, WithClock(o.clock))
	}

	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server has no listener")
	}
	return &TestServer{
		Server:  srv,
		BaseURL: "http://" + addr.String(),
		Config:  srv.cfg,
		stop:    stop,
		backend: backend,
	}, nil
}

// StartTestServer is NewTestServer with t.Cleanup wiring and fatal errors.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
