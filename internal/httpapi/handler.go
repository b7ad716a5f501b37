package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/correlation"
	"pkt.systems/keyd/internal/keys"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/keyd/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = correlation.HeaderName

// DefaultJSONMaxBytes caps request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes int64 = 16 << 10

// DefaultCORSOrigin is sent as Access-Control-Allow-Origin when unset.
const DefaultCORSOrigin = "*"

//go:embed static/index.html
var staticFS embed.FS

// Handler wires HTTP endpoints to the key service.
type Handler struct {
	keys               *keys.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	jsonMaxBytes       int64
	trustProxy         bool
	corsOrigin         string
	httpTracingEnabled bool
	ready              func() bool
	landing            []byte
}

// Config groups the dependencies required by Handler.
type Config struct {
	Keys   *keys.Service
	Logger pslog.Logger
	// JSONMaxBytes limits the size of decoded request bodies.
	JSONMaxBytes int64
	// TrustProxy derives the request origin from the first X-Forwarded-For hop.
	TrustProxy bool
	// CORSOrigin is echoed as Access-Control-Allow-Origin.
	CORSOrigin         string
	HTTPTracingEnabled bool
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Keys == nil {
		return nil, errors.New("httpapi: key service required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	jsonMax := cfg.JSONMaxBytes
	if jsonMax <= 0 {
		jsonMax = DefaultJSONMaxBytes
	}
	corsOrigin := strings.TrimSpace(cfg.CORSOrigin)
	if corsOrigin == "" {
		corsOrigin = DefaultCORSOrigin
	}
	landing, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("httpapi: load landing page: %w", err)
	}
	return &Handler{
		keys:               cfg.Keys,
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/keyd/httpapi"),
		jsonMaxBytes:       jsonMax,
		trustProxy:         cfg.TrustProxy,
		corsOrigin:         corsOrigin,
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		ready:              cfg.Ready,
		landing:            landing,
	}, nil
}

// Register wires the routes into mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/generate-key", h.wrap("generate", http.MethodPost, h.handleGenerateKey))
	mux.Handle("/claim-key", h.wrap("claim", http.MethodPost, h.handleClaimKey))
	mux.Handle("/verify-key", h.wrap("verify", http.MethodGet, h.handleVerifyKey))
	mux.Handle("/healthz", h.wrap("healthz", http.MethodGet, h.handleHealthz))
	mux.Handle("/readyz", h.wrap("readyz", http.MethodGet, h.handleReadyz))
	mux.Handle("/", h.wrap("index", http.MethodGet, h.handleIndex))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "keyd.http." + operation
	txSpanName := "keyd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("keyd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("keyd.operation", operation),
				attribute.String("keyd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		origin := requestOrigin(r, h.trustProxy)
		ctx = WithOrigin(ctx, origin)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr, "origin", origin)

		h.writeCORSHeaders(w)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		if r.Method == http.MethodOptions {
			h.writePreflight(w, method)
			return
		}
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method+", "+http.MethodOptions)
			h.handleError(ctx, w, httpError{
				Status: http.StatusMethodNotAllowed,
				Body:   api.ErrorResponse{Error: "Method not allowed."},
			})
			return
		}

		result := "ok"
		status := codes.Ok
		defer func() {
			if instrument {
				span.SetStatus(status, result)
				span.SetAttributes(
					attribute.String("keyd.result", result),
					attribute.Int64("keyd.duration_ms", time.Since(start).Milliseconds()),
				)
			}
		}()

		if err := fn(w, r); err != nil {
			result = "error"
			status = codes.Error
			var httpErr httpError
			if errors.As(err, &httpErr) {
				if instrument {
					span.SetAttributes(attribute.Int("keyd.error_status", httpErr.Status))
				}
			} else if instrument {
				span.RecordError(err)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func (h *Handler) writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
	if h.corsOrigin != "*" {
		w.Header().Add("Vary", "Origin")
	}
}

func (h *Handler) writePreflight(w http.ResponseWriter, method string) {
	w.Header().Set("Access-Control-Allow-Methods", method+", "+http.MethodOptions)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+headerCorrelationID)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// httpError carries a status and the endpoint-specific JSON body to render.
type httpError struct {
	Status int
	Body   any
	Err    error
}

func (h httpError) Error() string {
	if h.Err != nil {
		return fmt.Sprintf("http %d: %v", h.Status, h.Err)
	}
	return fmt.Sprintf("http %d", h.Status)
}

func (h httpError) Unwrap() error { return h.Err }

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = svcfields.WithSubsystem(h.logger, svcfields.SysHTTP)
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= http.StatusInternalServerError {
			logger.Error("http.request.failure", "status", httpErr.Status, "error", httpErr.Err)
		} else {
			logger.Debug("http.request.failure", "status", httpErr.Status)
		}
		body := httpErr.Body
		if body == nil {
			body = api.ErrorResponse{Error: http.StatusText(httpErr.Status)}
		}
		h.writeJSON(w, httpErr.Status, body)
		return
	}
	logger.Error("http.request.panic", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: api.MsgInternalError})
}
