package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type relayMetrics struct {
	joins      metric.Int64Counter
	leaves     metric.Int64Counter
	deliveries metric.Int64Counter
	misses     metric.Int64Counter
	drops      metric.Int64Counter
	sessions   metric.Int64UpDownCounter
}

func newRelayMetrics(provider metric.MeterProvider, logger pslog.Logger) *relayMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/bapd/relay")
	m := &relayMetrics{}
	var err error

	m.joins, err = meter.Int64Counter(
		"bapd.relay.session.joins",
		metric.WithDescription("Sessions registered with the coordinator"),
	)
	logMetricInitError(logger, "bapd.relay.session.joins", err)

	m.leaves, err = meter.Int64Counter(
		"bapd.relay.session.leaves",
		metric.WithDescription("Sessions removed from the coordinator"),
	)
	logMetricInitError(logger, "bapd.relay.session.leaves", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"bapd.relay.sessions",
		metric.WithDescription("Live sessions"),
	)
	logMetricInitError(logger, "bapd.relay.sessions", err)

	m.deliveries, err = meter.Int64Counter(
		"bapd.relay.deliveries",
		metric.WithDescription("Payloads accepted by a session outbox"),
	)
	logMetricInitError(logger, "bapd.relay.deliveries", err)

	m.misses, err = meter.Int64Counter(
		"bapd.relay.delivery.misses",
		metric.WithDescription("Deliveries addressed to no live session"),
	)
	logMetricInitError(logger, "bapd.relay.delivery.misses", err)

	m.drops, err = meter.Int64Counter(
		"bapd.relay.delivery.drops",
		metric.WithDescription("Payloads rejected by a full or closed outbox"),
	)
	logMetricInitError(logger, "bapd.relay.delivery.drops", err)

	return m
}

// recordJoin counts a join; a join replacing a live session leaves the
// sessions gauge unchanged.
func (m *relayMetrics) recordJoin(ctx context.Context, replaced bool) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.joins != nil {
		m.joins.Add(ctx, 1)
	}
	if m.sessions != nil && !replaced {
		m.sessions.Add(ctx, 1)
	}
}

func (m *relayMetrics) recordRetired(ctx context.Context, n int) {
	if m == nil || m.sessions == nil || n == 0 {
		return
	}
	m.sessions.Add(metricContext(ctx), -int64(n))
}

func (m *relayMetrics) recordLeave(ctx context.Context) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.leaves != nil {
		m.leaves.Add(ctx, 1)
	}
	if m.sessions != nil {
		m.sessions.Add(ctx, -1)
	}
}

func (m *relayMetrics) recordDelivery(ctx context.Context) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(metricContext(ctx), 1)
}

func (m *relayMetrics) recordMiss(ctx context.Context, reason string) {
	if m == nil || m.misses == nil {
		return
	}
	m.misses.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("bapd.relay.reason", reason)))
}

func (m *relayMetrics) recordDrop(ctx context.Context) {
	if m == nil || m.drops == nil {
		return
	}
	m.drops.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
