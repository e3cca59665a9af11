// Package telemetry records client metrics through OpenTelemetry instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope used by learnlog.
const MeterName = "github.com/and161185/learnlog"

var (
	attrMethod  = attribute.Key("http.method")
	attrClass   = attribute.Key("http.status_class")
	attrOutcome = attribute.Key("outcome")
	attrOnline  = attribute.Key("online")
	attrSource  = attribute.Key("source")
)

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	refreshes   metric.Int64Counter
	transitions metric.Int64Counter
	fetches     metric.Int64Counter
	replays     metric.Int64Counter
}

// RequestData captures what is recorded for each backend call.
type RequestData struct {
	Method   string
	Status   int // 0 when no response was received
	Duration time.Duration
}

// meterProvider is the subset of metric.Meter we rely on.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
}

// New creates the instruments on m. A nil meter yields a no-op Metrics.
func New(m meterProvider) (*Metrics, error) {
	if m == nil {
		return nil, nil
	}
	requests, err := m.Int64Counter("http.requests.total", metric.WithDescription("Backend requests by method and status class."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("http.latency.ms", metric.WithDescription("Backend request latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	refreshes, err := m.Int64Counter("auth.refreshes.total", metric.WithDescription("Token refresh attempts by outcome."))
	if err != nil {
		return nil, err
	}
	transitions, err := m.Int64Counter("connectivity.transitions.total", metric.WithDescription("Online/offline transitions by source."))
	if err != nil {
		return nil, err
	}
	fetches, err := m.Int64Counter("query.fetches.total", metric.WithDescription("Query fetches by outcome."))
	if err != nil {
		return nil, err
	}
	replays, err := m.Int64Counter("mutations.replayed.total", metric.WithDescription("Replayed mutations by outcome."))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requests:    requests,
		latency:     latency,
		refreshes:   refreshes,
		transitions: transitions,
		fetches:     fetches,
		replays:     replays,
	}, nil
}

// RecordRequest counts one backend call.
func (m *Metrics) RecordRequest(ctx context.Context, data RequestData) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attrMethod.String(data.Method), attrClass.String(statusClass(data.Status)))
	m.requests.Add(ctx, 1, attrs)
	if data.Duration > 0 {
		m.latency.Record(ctx, float64(data.Duration.Milliseconds()), attrs)
	}
}

// RecordRefresh counts one token refresh with its outcome ("ok", "expired", "network").
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

// RecordTransition counts one connectivity state change.
func (m *Metrics) RecordTransition(ctx context.Context, online bool, source string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrOnline.Bool(online), attrSource.String(source)))
}

// RecordFetch counts one query fetch with its outcome.
func (m *Metrics) RecordFetch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

// RecordReplay counts one replayed mutation with its outcome.
func (m *Metrics) RecordReplay(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func statusClass(status int) string {
	if status == 0 {
		return "none"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// Reader bundles a meter provider with a manual reader so short-lived processes
// can report totals on exit.
type Reader struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewReader creates an SDK meter provider backed by a manual reader.
func NewReader() *Reader {
	reader := sdkmetric.NewManualReader()
	return &Reader{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// Meter returns the learnlog meter.
func (r *Reader) Meter() metric.Meter { return r.provider.Meter(MeterName) }

// Totals collects every Int64 sum, keyed by "name{attr=value,...}".
func (r *Reader) Totals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name+"{"+dp.Attributes.Encoded(attribute.DefaultEncoder())+"}"] += dp.Value
			}
		}
	}
	return out, nil
}

// Shutdown flushes and stops the provider.
func (r *Reader) Shutdown(ctx context.Context) error { return r.provider.Shutdown(ctx) }
