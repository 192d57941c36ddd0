package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jeremycline/fedora-notifications/internal/schema"
)

type metrics struct {
	delivered  metric.Int64Counter
	retried    metric.Int64Counter
	permanent  metric.Int64Counter
	suppressed metric.Int64Counter
	malformed  metric.Int64Counter
	latency    metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("dispatcher")
	m := &metrics{}

	var err error
	if m.delivered, err = meter.Int64Counter("fn_deliveries_total",
		metric.WithDescription("Notifications delivered per channel kind"),
		metric.WithUnit("{notification}")); err != nil {
		return nil, fmt.Errorf("delivered counter: %w", err)
	}
	if m.retried, err = meter.Int64Counter("fn_retries_total",
		metric.WithDescription("Transient failures scheduled for retry"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("retried counter: %w", err)
	}
	if m.permanent, err = meter.Int64Counter("fn_permanent_failures_total",
		metric.WithDescription("Tasks abandoned after a permanent failure"),
		metric.WithUnit("{task}")); err != nil {
		return nil, fmt.Errorf("permanent counter: %w", err)
	}
	if m.suppressed, err = meter.Int64Counter("fn_suppressed_duplicates_total",
		metric.WithDescription("Tasks suppressed because they already completed"),
		metric.WithUnit("{task}")); err != nil {
		return nil, fmt.Errorf("suppressed counter: %w", err)
	}
	if m.malformed, err = meter.Int64Counter("fn_malformed_messages_total",
		metric.WithDescription("Bus messages dropped as malformed"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("malformed counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("fn_delivery_latency_seconds",
		metric.WithDescription("Time from first attempt to successful delivery"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	return m, nil
}

func kindAttr(kind schema.ChannelKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", string(kind)))
}

func (m *metrics) recordDelivered(ctx context.Context, kind schema.ChannelKind, elapsed time.Duration) {
	m.delivered.Add(ctx, 1, kindAttr(kind))
	m.latency.Record(ctx, elapsed.Seconds(), kindAttr(kind))
}
