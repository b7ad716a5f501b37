package retry

import (
	"bytes"
	"context"
	"errors"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.Object, error) {
	var obj storage.Object
	err := b.withRetry(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		obj, err = b.inner.GetObject(ctx, key)
		return err
	})
	return obj, err
}

func (b *backend) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	var etag string
	var uncertain bool
	err := b.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.PutObject(ctx, key, body, opts)
		if storage.IsTransient(err) {
			uncertain = true
		}
		return err
	})
	// A transient failure may hide a write that landed, in which case the
	// retried conditional put trips over our own object.
	if uncertain && errors.Is(err, storage.ErrCASMismatch) {
		if landed, ok := b.landed(ctx, key, body); ok {
			return landed, nil
		}
	}
	return etag, err
}

// landed reports whether key currently holds exactly body. Conditional
// writers put a per-write revision into body, so a match identifies the
// write as ours.
func (b *backend) landed(ctx context.Context, key string, body []byte) (string, bool) {
	obj, err := b.inner.GetObject(ctx, key)
	if err != nil || !bytes.Equal(obj.Body, body) {
		return "", false
	}
	b.logger.Info("storage put landed despite transient error", "operation", "put_object", "key", key)
	return obj.ETag, true
}

func (b *backend) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	return b.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, expectedETag)
	})
}

func (b *backend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "list_objects", prefix, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.ListObjects(ctx, prefix)
		return err
	})
	return keys, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
