package pool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/isdmx/pybox/pool"

type metrics struct {
	created   metric.Int64Counter
	destroyed metric.Int64Counter
	evicted   metric.Int64Counter
	acquires  metric.Int64Counter
}

func newMetrics(meter metric.Meter, p *Pool) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}

	created, err := meter.Int64Counter("pybox.pool.created",
		metric.WithDescription("Sandboxes created by the pool"),
		metric.WithUnit("{sandbox}"))
	if err != nil {
		return nil, err
	}

	destroyed, err := meter.Int64Counter("pybox.pool.destroyed",
		metric.WithDescription("Sandboxes destroyed by the pool"),
		metric.WithUnit("{sandbox}"))
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter("pybox.pool.evicted",
		metric.WithDescription("Free sandboxes evicted for age"),
		metric.WithUnit("{sandbox}"))
	if err != nil {
		return nil, err
	}

	acquires, err := meter.Int64Counter("pybox.pool.acquires",
		metric.WithDescription("Acquire calls by outcome"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge("pybox.pool.size",
		metric.WithDescription("Sandboxes held by the pool"),
		metric.WithUnit("{sandbox}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			st := p.Stats()
			o.Observe(int64(st.Free), metric.WithAttributes(attribute.String("state", "free")))
			o.Observe(int64(st.InUse), metric.WithAttributes(attribute.String("state", "in_use")))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return &metrics{
		created:   created,
		destroyed: destroyed,
		evicted:   evicted,
		acquires:  acquires,
	}, nil
}

func (m *metrics) acquired(ctx context.Context, outcome string) {
	m.acquires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
