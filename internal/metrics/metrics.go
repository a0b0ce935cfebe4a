// Package metrics holds the Prometheus instruments and the store-backed
// latency samples used to derive percentiles for system.metrics.
package metrics

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fblgit/claudebench/internal/store"
)

// Metrics bundles every Prometheus instrument the runtime exports.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec
	CircuitFailures *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	Instances       prometheus.Gauge
	EventsPublished *prometheus.CounterVec
}

// New registers all instruments on the given registerer (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudebench_requests_total",
				Help: "Handler invocations by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claudebench_request_duration_seconds",
				Help:    "Handler latency by event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "claudebench_circuit_state",
				Help: "Circuit state by event (0 closed, 1 open, 2 half-open)",
			},
			[]string{"event"},
		),
		CircuitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudebench_circuit_failures_total",
				Help: "Circuit failures by event and class (timeout, error, rejection)",
			},
			[]string{"event", "class"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudebench_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"event"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudebench_cache_hits_total",
				Help: "Response-cache hits by event and tier (local, store)",
			},
			[]string{"event", "tier"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "claudebench_queue_depth",
				Help: "Pending tasks in the priority queue",
			},
		),
		Instances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "claudebench_instances",
				Help: "Registered live instances",
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudebench_events_published_total",
				Help: "Events published to the bus by type",
			},
			[]string{"type"},
		),
	}
}

const latencyWindow = 500

// RecordLatency appends one latency sample (ms) to the rolling per-event
// window in the store and bumps the global counters.
func RecordLatency(ctx context.Context, st store.Store, event string, d time.Duration) {
	key := store.LatencyKey(event)
	_ = st.RPush(ctx, key, strconv.FormatInt(d.Milliseconds(), 10))
	_ = st.LTrim(ctx, key, -latencyWindow, -1)
	_, _ = st.HIncrBy(ctx, store.KeyGlobalMetrics, "eventsProcessed", 1)
	_, _ = st.HIncrBy(ctx, store.KeyGlobalMetrics, "latencyMsTotal", d.Milliseconds())
}

// Percentiles holds the derived latency distribution of one event.
type Percentiles struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// LatencyPercentiles derives p50/p95/p99 from the rolling window.
func LatencyPercentiles(ctx context.Context, st store.Store, event string) (*Percentiles, error) {
	raw, err := st.LRange(ctx, store.LatencyKey(event), 0, -1)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &Percentiles{}, nil
	}
	samples := make([]float64, 0, len(raw))
	for _, r := range raw {
		if v, err := strconv.ParseFloat(r, 64); err == nil {
			samples = append(samples, v)
		}
	}
	sort.Float64s(samples)
	at := func(q float64) float64 {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return &Percentiles{
		Count: len(samples),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
	}, nil
}
