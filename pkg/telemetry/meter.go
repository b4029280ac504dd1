package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/polisai/polis-broker"

var (
	metricsOnce      sync.Once
	metricsInitErr   error
	decisionCounter  metric.Int64Counter
	rpcCounter       metric.Int64Counter
	rpcLatencyMillis metric.Float64Histogram
)

// ensureMetrics creates the OpenTelemetry instruments on first use against
// whichever meter provider is installed globally at that point.
func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"broker.decisions",
			metric.WithDescription("Credential requests partitioned by outcome"),
			metric.WithUnit("{request}"),
		)
		if metricsInitErr != nil {
			return
		}

		rpcCounter, metricsInitErr = meter.Int64Counter(
			"broker.rpc.requests",
			metric.WithDescription("JSON-RPC requests partitioned by method and status"),
			metric.WithUnit("{request}"),
		)
		if metricsInitErr != nil {
			return
		}

		rpcLatencyMillis, metricsInitErr = meter.Float64Histogram(
			"broker.rpc.duration_ms",
			metric.WithDescription("Observed JSON-RPC processing latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

func recordDecision(result string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	decisionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("broker.decision", result)))
}

func recordRPC(method, status string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.String("rpc.status", status),
	)
	rpcCounter.Add(context.Background(), 1, attrs)
	rpcLatencyMillis.Record(context.Background(), float64(duration)/float64(time.Millisecond), attrs)
}
