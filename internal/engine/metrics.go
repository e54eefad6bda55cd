package engine

import (
	"sync"

	"go.opentelemetry.io/otel/metric"

	"foreman/internal/telemetry"
)

var engineMetrics struct {
	turns        metric.Int64Counter
	inflight     metric.Int64UpDownCounter
	verification metric.Float64Histogram
}

var engineMetricsOnce sync.Once

func initEngineMetrics() {
	m := telemetry.Meter("foreman/engine")
	engineMetrics.turns, _ = m.Int64Counter("foreman.turns",
		metric.WithDescription("Turns dispatched, by outcome"),
		metric.WithUnit("{turn}"),
	)
	engineMetrics.inflight, _ = m.Int64UpDownCounter("foreman.turns.inflight",
		metric.WithDescription("Turns currently running"),
		metric.WithUnit("{turn}"),
	)
	engineMetrics.verification, _ = m.Float64Histogram("foreman.verification.duration",
		metric.WithDescription("Verification sandbox duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}
