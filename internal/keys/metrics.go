package keys

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type keyMetrics struct {
	issued   metric.Int64Counter
	claimed  metric.Int64Counter
	verified metric.Int64Counter
	reaped   metric.Int64Counter
}

func newKeyMetrics(logger pslog.Logger) *keyMetrics {
	meter := otel.Meter("pkt.systems/keyd/keys")
	m := &keyMetrics{}
	var err error

	m.issued, err = meter.Int64Counter(
		"keyd.keys.issued",
		metric.WithDescription("Key issuance attempts by result"),
	)
	logMetricInitError(logger, "keyd.keys.issued", err)

	m.claimed, err = meter.Int64Counter(
		"keyd.keys.claimed",
		metric.WithDescription("Key claim attempts by result"),
	)
	logMetricInitError(logger, "keyd.keys.claimed", err)

	m.verified, err = meter.Int64Counter(
		"keyd.keys.verified",
		metric.WithDescription("Key verifications by result"),
	)
	logMetricInitError(logger, "keyd.keys.verified", err)

	m.reaped, err = meter.Int64Counter(
		"keyd.keys.reaped",
		metric.WithDescription("Expired key records removed by the reaper"),
	)
	logMetricInitError(logger, "keyd.keys.reaped", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}

func (m *keyMetrics) recordIssue(ctx context.Context, result string) {
	if m == nil || m.issued == nil {
		return
	}
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *keyMetrics) recordClaim(ctx context.Context, result string) {
	if m == nil || m.claimed == nil {
		return
	}
	m.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *keyMetrics) recordVerify(ctx context.Context, result string) {
	if m == nil || m.verified == nil {
		return
	}
	m.verified.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *keyMetrics) recordReaped(ctx context.Context, n int) {
	if m == nil || m.reaped == nil {
		return
	}
	m.reaped.Add(ctx, int64(n))
}
