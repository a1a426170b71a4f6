package txstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	puts    metric.Int64Counter
	lookups metric.Int64Counter
	evicted metric.Int64Counter
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/bapd/txstore")
	m := &storeMetrics{}
	var err error

	m.puts, err = meter.Int64Counter(
		"bapd.txstore.puts",
		metric.WithDescription("Correlation entries written"),
	)
	logMetricInitError(logger, "bapd.txstore.puts", err)

	m.lookups, err = meter.Int64Counter(
		"bapd.txstore.lookups",
		metric.WithDescription("Correlation lookups by result"),
	)
	logMetricInitError(logger, "bapd.txstore.lookups", err)

	m.evicted, err = meter.Int64Counter(
		"bapd.txstore.evicted",
		metric.WithDescription("Correlation entries evicted by TTL"),
	)
	logMetricInitError(logger, "bapd.txstore.evicted", err)

	return m
}

func (m *storeMetrics) recordPut(ctx context.Context, replaced bool) {
	if m == nil || m.puts == nil {
		return
	}
	m.puts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("bapd.txstore.replaced", replaced)))
}

func (m *storeMetrics) recordGet(ctx context.Context, hit bool) {
	if m == nil || m.lookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("bapd.txstore.result", result)))
}

func (m *storeMetrics) recordEvicted(ctx context.Context, n int) {
	if m == nil || m.evicted == nil {
		return
	}
	m.evicted.Add(ctx, int64(n))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
