package buffer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// poolMetrics holds the buffer pool's OpenTelemetry instruments.
type poolMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	flushes   metric.Int64Counter
}

func newPoolMetrics(meter metric.Meter) *poolMetrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &poolMetrics{}
	m.hits, _ = meter.Int64Counter("megumidb.buffer.hits",
		metric.WithDescription("Page fetches served from the pool"))
	m.misses, _ = meter.Int64Counter("megumidb.buffer.misses",
		metric.WithDescription("Page fetches that went to disk"))
	m.evictions, _ = meter.Int64Counter("megumidb.buffer.evictions",
		metric.WithDescription("Frames reclaimed by the replacer"))
	m.flushes, _ = meter.Int64Counter("megumidb.buffer.flushes",
		metric.WithDescription("Dirty pages written back to disk"))
	return m
}

func (m *poolMetrics) inc(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}
