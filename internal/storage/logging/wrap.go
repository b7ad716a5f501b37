package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/keyd/internal/correlation"
	"pkt.systems/keyd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and one span per operation.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/keyd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "keyd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("keyd.storage.operation", op),
		attribute.String("keyd.sys", b.sys),
		attribute.Bool("keyd.storage.has_key", key != ""),
	)

	logger := b.logger
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("keyd.correlation_id", corr))
		logger = logger.With("cid", corr)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("keyd.storage.end", trace.WithAttributes(
			attribute.String("keyd.storage.result", result),
			attribute.Int64("keyd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.Object, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "get_object", key)
	defer span.End()

	logger.Trace("storage.get_object.begin", "key", key)
	obj, err := b.inner.GetObject(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return obj, err
	}
	span.SetAttributes(attribute.Int("keyd.storage.bytes", len(obj.Body)))
	logger.Debug("storage.get_object.success", "key", key, "etag", obj.ETag, "bytes", len(obj.Body), "elapsed", time.Since(begin))
	return obj, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "put_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("keyd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Int("keyd.storage.bytes", len(body)),
	)
	logger.Trace("storage.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "bytes", len(body))
	etag, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_object.error", "key", key, "expected_etag", opts.ExpectedETag, "error", err, "elapsed", time.Since(begin))
		return etag, err
	}
	logger.Debug("storage.put_object.success", "key", key, "new_etag", etag, "elapsed", time.Since(begin))
	return etag, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	ctx, span, logger, begin, finish := b.start(ctx, "delete_object", key)
	defer span.End()

	span.SetAttributes(attribute.Bool("keyd.storage.expected_etag", expectedETag != ""))
	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", expectedETag)
	err := b.inner.DeleteObject(ctx, key, expectedETag)
	finish(err)
	if err != nil {
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list_objects", prefix)
	defer span.End()

	logger.Trace("storage.list_objects.begin", "prefix", prefix)
	keys, err := b.inner.ListObjects(ctx, prefix)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_objects.error", "prefix", prefix, "error", err, "elapsed", time.Since(begin))
		return keys, err
	}
	span.SetAttributes(attribute.Int("keyd.storage.key_count", len(keys)))
	logger.Debug("storage.list_objects.success", "prefix", prefix, "count", len(keys), "elapsed", time.Since(begin))
	return keys, nil
}

func (b *backend) Close() error {
	_, span, logger, begin, finish := b.start(context.Background(), "close", "")
	defer span.End()

	logger.Trace("storage.close.begin")
	err := b.inner.Close()
	finish(err)
	if err != nil {
		logger.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
