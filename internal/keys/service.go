// Package keys implements the key lifecycle: issuance throttled per origin,
// one-time claim by a client, one-time verification, and expiry reaping.
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/keygen"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultTTL is how long an issued key stays live.
	DefaultTTL = 24 * time.Hour
	// DefaultStoreTimeout bounds every store call made by the service.
	DefaultStoreTimeout = 10 * time.Second
	// DefaultIssueAttempts bounds regenerate-and-retry on key collisions.
	DefaultIssueAttempts = 3
)

var (
	// ErrMissingFields reports an empty key or client id on claim.
	ErrMissingFields = errors.New("keys: key and client id are required")
	// ErrNotFound reports an unknown or expired key.
	ErrNotFound = keystore.ErrNotFound
	// ErrAlreadyClaimed reports a second claim attempt.
	ErrAlreadyClaimed = keystore.ErrAlreadyClaimed
	// ErrOriginThrottled reports an origin that already holds a live key.
	ErrOriginThrottled = keystore.ErrOriginThrottled
)

// Generator produces new key tokens.
type Generator interface {
	Generate() (string, error)
}

// Config wires the service.
type Config struct {
	Store         keystore.Store
	Generator     Generator
	Clock         clock.Clock
	Logger        pslog.Logger
	TTL           time.Duration
	StoreTimeout  time.Duration
	IssueAttempts int
}

// Service coordinates key issuance, claim and verification against a
// keystore.Store. It is safe for concurrent use.
type Service struct {
	store         keystore.Store
	gen           Generator
	clock         clock.Clock
	logger        pslog.Logger
	ttl           time.Duration
	storeTimeout  time.Duration
	issueAttempts int
	metrics       *keyMetrics
}

// IssueResult is returned by Issue.
type IssueResult struct {
	Key       string
	ExpiresAt time.Time
}

// Verify reasons. Only ReasonValid and ReasonMissingInput reach callers as
// distinct outcomes; the others are logged.
const (
	ReasonValid        = "valid"
	ReasonMissingInput = "missing_input"
	ReasonUnknown      = "unknown"
	ReasonExpired      = "expired"
	ReasonUnclaimed    = "unclaimed"
	ReasonWrongClient  = "wrong_client"
	ReasonUsed         = "used"
)

// VerifyResult is returned by Verify.
type VerifyResult struct {
	Valid  bool
	Reason string
}

// New constructs a Service with defaults applied.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("keys: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	gen := cfg.Generator
	if gen == nil {
		gen = keygen.New()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	attempts := cfg.IssueAttempts
	if attempts <= 0 {
		attempts = DefaultIssueAttempts
	}
	logger = svcfields.WithSubsystem(logger, svcfields.SysKeys)
	return &Service{
		store:         cfg.Store,
		gen:           gen,
		clock:         clock.OrReal(cfg.Clock),
		logger:        logger,
		ttl:           ttl,
		storeTimeout:  timeout,
		issueAttempts: attempts,
		metrics:       newKeyMetrics(logger),
	}, nil
}

// Store returns the underlying key store.
func (s *Service) Store() keystore.Store { return s.store }

// TTL returns the lifetime given to issued keys.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) loggerFor(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	return logger
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Issue creates a new key for origin. An empty origin is never throttled.
func (s *Service) Issue(ctx context.Context, origin string) (IssueResult, error) {
	logger := s.loggerFor(ctx)
	for attempt := 1; attempt <= s.issueAttempts; attempt++ {
		token, err := s.gen.Generate()
		if err != nil {
			logger.Error("keys.issue.generate_error", "error", err)
			s.metrics.recordIssue(ctx, "error")
			return IssueResult{}, fmt.Errorf("generate key: %w", err)
		}
		now := s.clock.Now()
		rec := keystore.Record{
			Key:            token,
			IssuedToOrigin: keystore.StringPtr(origin),
			ExpiresAt:      now.Add(s.ttl),
			CreatedAt:      now,
		}
		storeCtx, cancel := s.storeContext(ctx)
		err = s.store.Insert(storeCtx, rec, now)
		cancel()
		switch {
		case err == nil:
			logger.Info("keys.issue.success", "origin", origin, "expires_at", rec.ExpiresAt)
			s.metrics.recordIssue(ctx, "issued")
			return IssueResult{Key: token, ExpiresAt: rec.ExpiresAt}, nil
		case errors.Is(err, keystore.ErrOriginThrottled):
			logger.Info("keys.issue.throttled", "origin", origin)
			s.metrics.recordIssue(ctx, "throttled")
			return IssueResult{}, ErrOriginThrottled
		case errors.Is(err, keystore.ErrDuplicateKey):
			logger.Warn("keys.issue.duplicate_key", "attempt", attempt)
			continue
		default:
			logger.Error("keys.issue.store_error", "origin", origin, "error", err)
			s.metrics.recordIssue(ctx, "error")
			return IssueResult{}, fmt.Errorf("insert key: %w", err)
		}
	}
	s.metrics.recordIssue(ctx, "error")
	return IssueResult{}, fmt.Errorf("insert key: %w after %d attempts", keystore.ErrDuplicateKey, s.issueAttempts)
}

// Claim binds clientID to key exactly once.
func (s *Service) Claim(ctx context.Context, key, clientID string) error {
	if key == "" || clientID == "" {
		return ErrMissingFields
	}
	logger := s.loggerFor(ctx)
	// Only tokens Generate can produce may reach the store.
	if !keygen.Valid(key) {
		logger.Debug("keys.claim.malformed_key", "key_len", len(key))
		s.metrics.recordClaim(ctx, "not_found")
		return ErrNotFound
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err := s.store.Bind(storeCtx, key, clientID, s.clock.Now())
	switch {
	case err == nil:
		logger.Info("keys.claim.success", "key", key, "client_id", clientID)
		s.metrics.recordClaim(ctx, "claimed")
		return nil
	case errors.Is(err, keystore.ErrNotFound):
		logger.Debug("keys.claim.not_found", "key", key)
		s.metrics.recordClaim(ctx, "not_found")
		return ErrNotFound
	case errors.Is(err, keystore.ErrAlreadyClaimed):
		logger.Debug("keys.claim.already_claimed", "key", key, "client_id", clientID)
		s.metrics.recordClaim(ctx, "already_claimed")
		return ErrAlreadyClaimed
	default:
		logger.Error("keys.claim.store_error", "key", key, "error", err)
		s.metrics.recordClaim(ctx, "error")
		return err
	}
}

// Verify consumes key for clientID. At most one call per key ever returns
// Valid; every failure other than a store error yields Valid == false.
func (s *Service) Verify(ctx context.Context, key, clientID string) (VerifyResult, error) {
	if key == "" || clientID == "" {
		s.metrics.recordVerify(ctx, ReasonMissingInput)
		return VerifyResult{Reason: ReasonMissingInput}, nil
	}
	logger := s.loggerFor(ctx)
	if !keygen.Valid(key) {
		logger.Debug("keys.verify.invalid", "key_len", len(key), "client_id", clientID, "reason", ReasonUnknown)
		s.metrics.recordVerify(ctx, ReasonUnknown)
		return VerifyResult{Reason: ReasonUnknown}, nil
	}
	now := s.clock.Now()
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err := s.store.MarkUsed(storeCtx, key, clientID, now)
	switch {
	case err == nil:
		logger.Info("keys.verify.success", "key", key, "client_id", clientID)
		s.metrics.recordVerify(ctx, ReasonValid)
		return VerifyResult{Valid: true, Reason: ReasonValid}, nil
	case errors.Is(err, keystore.ErrNotEligible), errors.Is(err, keystore.ErrNotFound):
		reason := s.classify(storeCtx, key, clientID, now)
		logger.Debug("keys.verify.invalid", "key", key, "client_id", clientID, "reason", reason)
		s.metrics.recordVerify(ctx, reason)
		return VerifyResult{Reason: reason}, nil
	default:
		logger.Error("keys.verify.store_error", "key", key, "error", err)
		s.metrics.recordVerify(ctx, "error")
		return VerifyResult{}, err
	}
}

// classify explains a failed verification for logs; it never changes the
// outcome.
func (s *Service) classify(ctx context.Context, key, clientID string, now time.Time) string {
	rec, err := s.store.Get(ctx, key)
	switch {
	case err != nil:
		return ReasonUnknown
	case rec.Used:
		return ReasonUsed
	case !rec.Live(now):
		return ReasonExpired
	case !rec.Claimed():
		return ReasonUnclaimed
	case rec.ClientID() != clientID:
		return ReasonWrongClient
	default:
		return ReasonUnknown
	}
}

// DeleteExpired removes every record whose expiry is strictly before now.
func (s *Service) DeleteExpired(ctx context.Context) (int, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	n, err := s.store.DeleteExpired(storeCtx, s.clock.Now())
	if n > 0 {
		s.metrics.recordReaped(ctx, n)
	}
	return n, err
}
