package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentCache lazily creates and caches one counter and one
// histogram instrument per metric name, registering each instrument
// once and reusing it across RecordMetric calls.
type instrumentCache struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func newInstrumentCache(meter metric.Meter) (*instrumentCache, error) {
	return &instrumentCache{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}, nil
}

func (c *instrumentCache) recordCounter(ctx context.Context, name string, value int64, attrs []attribute.KeyValue) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		var err error
		counter, err = c.meter.Float64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.counters[name] = counter
	}
	c.mu.Unlock()
	counter.Add(ctx, float64(value), metric.WithAttributes(attrs...))
}

func (c *instrumentCache) recordHistogram(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) {
	c.mu.Lock()
	hist, ok := c.histograms[name]
	if !ok {
		var err error
		hist, err = c.meter.Float64Histogram(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.histograms[name] = hist
	}
	c.mu.Unlock()
	hist.Record(ctx, value, metric.WithAttributes(attrs...))
}
