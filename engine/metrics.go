package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/isdmx/pybox/engine"

type metrics struct {
	executions metric.Int64Counter
	fallbacks  metric.Int64Counter
	duration   metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}

	executions, err := meter.Int64Counter("pybox.executions",
		metric.WithDescription("Executions by mode and outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter("pybox.executions.unpooled_fallbacks",
		metric.WithDescription("Transient runs that fell back to a disposable sandbox"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("pybox.execution.duration",
		metric.WithDescription("Execution wall-clock time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &metrics{executions: executions, fallbacks: fallbacks, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, mode string, start time.Time, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
