package keyd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/httpapi"
	"pkt.systems/keyd/internal/keys"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, key store, reaper and telemetry.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        keystore.Store
	ownsStore    bool
	keys         *keys.Service
	reaper       *keys.Reaper
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	KeyStore     keystore.Store
	Backend      storage.Backend
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithKeyStore injects a ready key store. The caller keeps ownership and must
// close it after the server has shut down.
func WithKeyStore(s keystore.Store) Option {
	return func(o *options) {
		o.KeyStore = s
	}
}

// WithBackend injects a pre-built object storage backend (useful for tests).
// It is layered with the same retry and logging decorators as configured
// backends and closed on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithOTLPEndpoint overrides Config.OTLPEndpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a keyd server according to cfg. The key store is
// opened immediately so that configuration errors surface before Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.OrReal(o.Clock)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   otlpEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.SysTelem))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}

	var (
		store     keystore.Store
		ownsStore bool
	)
	switch {
	case o.KeyStore != nil:
		store = o.KeyStore
	case o.Backend != nil:
		store = newObjectKeyStore(o.Backend, cfg, serverClock, logger)
		ownsStore = true
	default:
		store, err = openKeyStore(context.Background(), cfg, serverClock, logger)
		if err != nil {
			closeTelemetry()
			return nil, fmt.Errorf("open store: %w", err)
		}
		ownsStore = true
	}
	closeStore := func() {
		if ownsStore {
			_ = store.Close()
		}
	}

	svc, err := keys.New(keys.Config{
		Store:        store,
		Clock:        serverClock,
		Logger:       logger,
		TTL:          cfg.KeyTTL,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		closeStore()
		closeTelemetry()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.SysServer),
		store:     store,
		ownsStore: ownsStore,
		keys:      svc,
		reaper:    keys.NewReaper(svc, cfg.ReapInterval),
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	handler, err := httpapi.New(httpapi.Config{
		Keys:               svc,
		Logger:             logger,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		TrustProxy:         cfg.TrustProxy,
		CORSOrigin:         cfg.CORSOrigin,
		HTTPTracingEnabled: !cfg.DisableHTTPTracing,
		Ready:              s.ready.Load,
	})
	if err != nil {
		closeStore()
		closeTelemetry()
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	s.handler = handler
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, svcfields.SysHTTP)}, "", 0),
	}
	return s, nil
}

// Handler returns the underlying HTTP handler so keyd can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Keys exposes the key service backing the HTTP API.
func (s *Server) Keys() *keys.Service {
	return s.keys
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.ready.Store(true)
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", redactStoreURL(s.cfg.Store), "key_ttl", s.cfg.KeyTTL, "reap_interval", s.cfg.ReapInterval)
	s.reaper.Start()
	defer s.reaper.Stop()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.ready.Store(false)
	s.logger.Info("shutdown.begin")

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.reaper.Stop()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	s.logger.Info("shutdown.complete")
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a keyd server in a background goroutine and waits until it
// is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down. Cancelling ctx also stops the
// server.
//
//	srv, stop, err := keyd.StartServer(ctx, keyd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("keyd: server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// errorLogWriter forwards net/http's internal error log into pslog.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "detail", string(bytes.TrimSpace(p)))
	return len(p), nil
}
