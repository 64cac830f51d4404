package journey

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "qms/journey-service/journey"

type metrics struct {
	transitions    metric.Int64Counter
	rejections     metric.Int64Counter
	conflicts      metric.Int64Counter
	auditGaps      metric.Int64Counter
	effectFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return &metrics{
		transitions:    counter(meter, "journey.transitions", "Committed queue transitions"),
		rejections:     counter(meter, "journey.rejections", "Transitions refused by the guard"),
		conflicts:      counter(meter, "journey.conflicts", "Transitions lost to a concurrent writer"),
		auditGaps:      counter(meter, "journey.audit_gaps", "Committed transitions without a journey step"),
		effectFailures: counter(meter, "journey.effect_failures", "Dropped notification, activity or publish side effects"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, op string, attrs ...attribute.KeyValue) {
	attrs = append(attrs, attribute.String("op", op))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
