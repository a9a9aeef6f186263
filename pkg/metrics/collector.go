// Package metrics maintains rolling per-connector request statistics and
// exports them as Prometheus metrics.
//
// Every finished request (success, exhausted retries, or timeout) is
// recorded exactly once as an immutable RequestOutcome. The collector keeps
// raw outcomes for the configured window and derives aggregates on demand;
// events older than the window are purged on record and on snapshot, so
// memory stays bounded without dropping live events.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oceanward/tidepool/pkg/config"
)

// RequestOutcome is the immutable record of one finished request.
type RequestOutcome struct {
	ConnectorID string        `json:"connector_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Bytes       int64         `json:"bytes_transferred"`
	CacheHit    bool          `json:"cache_hit"`
	Retries     int           `json:"retry_count"`
	TimedOut    bool          `json:"timed_out"`
	Error       string        `json:"error,omitempty"`
}

// Aggregates is a snapshot of one connector's rolling window. Latencies are
// carried as durations for Go callers and as millisecond floats for the JSON
// surface; a raw nanosecond count is useless to a dashboard.
type Aggregates struct {
	Count        int64         `json:"count"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorRate    float64       `json:"error_rate"`
	AvgLatency   time.Duration `json:"-"`
	P95Latency   time.Duration `json:"-"`
	AvgLatencyMS float64       `json:"avg_latency_ms"`
	P95LatencyMS float64       `json:"p95_latency_ms"`
	CacheHits    int64         `json:"cache_hits"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	TotalBytes   int64         `json:"total_bytes"`
	LastActivity time.Time     `json:"last_activity"`
}

// Collector records outcomes and serves windowed aggregates. Safe for
// high-frequency concurrent recording.
type Collector struct {
	mu        sync.RWMutex
	window    time.Duration
	outcomes  map[string][]RequestOutcome
	totals    map[string]*connectorTotals // process-lifetime counters
	startTime time.Time

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesTotal      *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
}

type connectorTotals struct {
	requests int64
	bytes    int64
}

// NewCollector creates a collector with the given rolling window,
// registering its Prometheus metrics on reg (the default registerer when
// nil).
func NewCollector(cfg config.MetricsConfig, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}

	return &Collector{
		window:    window,
		outcomes:  make(map[string][]RequestOutcome),
		totals:    make(map[string]*connectorTotals),
		startTime: time.Now(),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tidepool_requests_total",
				Help: "Total finished requests by connector and status",
			},
			[]string{"connector", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tidepool_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"connector"},
		),
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tidepool_bytes_transferred_total",
				Help: "Total bytes transferred by connector",
			},
			[]string{"connector"},
		),
		cacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tidepool_cache_results_total",
				Help: "Cache lookups by connector and result",
			},
			[]string{"connector", "result"},
		),
	}
}

// Record stores an outcome. Outcomes are immutable once recorded.
func (c *Collector) Record(o RequestOutcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	status := "failure"
	switch {
	case o.TimedOut:
		status = "timed_out"
	case o.Success:
		status = "success"
	}
	c.requestsTotal.WithLabelValues(o.ConnectorID, status).Inc()
	c.requestDuration.WithLabelValues(o.ConnectorID).Observe(o.Duration.Seconds())
	if o.Bytes > 0 {
		c.bytesTotal.WithLabelValues(o.ConnectorID).Add(float64(o.Bytes))
	}
	result := "miss"
	if o.CacheHit {
		result = "hit"
	}
	c.cacheHitsTotal.WithLabelValues(o.ConnectorID, result).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	events := append(c.outcomes[o.ConnectorID], o)
	c.outcomes[o.ConnectorID] = c.purge(events, time.Now())

	t, ok := c.totals[o.ConnectorID]
	if !ok {
		t = &connectorTotals{}
		c.totals[o.ConnectorID] = t
	}
	t.requests++
	t.bytes += o.Bytes
}

// Snapshot computes aggregates for a connector over the given window
// (the collector's default when window <= 0).
func (c *Collector) Snapshot(connectorID string, window time.Duration) Aggregates {
	if window <= 0 || window > c.window {
		window = c.window
	}
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	events := c.purge(c.outcomes[connectorID], time.Now())
	c.outcomes[connectorID] = events
	// Copy so aggregation runs outside the lock.
	view := make([]RequestOutcome, 0, len(events))
	for _, o := range events {
		if o.Timestamp.After(cutoff) {
			view = append(view, o)
		}
	}
	c.mu.Unlock()

	return aggregate(view)
}

// Connectors returns the IDs of every connector seen so far, sorted.
func (c *Collector) Connectors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.totals))
	for id := range c.totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Totals returns process-lifetime request and byte counts for a connector.
func (c *Collector) Totals(connectorID string) (requests, bytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.totals[connectorID]; ok {
		return t.requests, t.bytes
	}
	return 0, 0
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Window returns the collector's rolling window.
func (c *Collector) Window() time.Duration {
	return c.window
}

// purge drops events older than the window; caller holds c.mu.
func (c *Collector) purge(events []RequestOutcome, now time.Time) []RequestOutcome {
	cutoff := now.Add(-c.window)
	first := 0
	for first < len(events) && !events[first].Timestamp.After(cutoff) {
		first++
	}
	if first == 0 {
		return events
	}
	remaining := make([]RequestOutcome, len(events)-first)
	copy(remaining, events[first:])
	return remaining
}

func aggregate(events []RequestOutcome) Aggregates {
	var agg Aggregates
	if len(events) == 0 {
		return agg
	}

	latencies := make([]time.Duration, 0, len(events))
	var totalLatency time.Duration
	for _, o := range events {
		agg.Count++
		if o.Success {
			agg.Successes++
		} else {
			agg.Failures++
		}
		if o.CacheHit {
			agg.CacheHits++
		}
		agg.TotalBytes += o.Bytes
		totalLatency += o.Duration
		latencies = append(latencies, o.Duration)
		if o.Timestamp.After(agg.LastActivity) {
			agg.LastActivity = o.Timestamp
		}
	}

	agg.SuccessRate = float64(agg.Successes) / float64(agg.Count)
	agg.ErrorRate = float64(agg.Failures) / float64(agg.Count)
	agg.CacheHitRate = float64(agg.CacheHits) / float64(agg.Count)
	agg.AvgLatency = totalLatency / time.Duration(agg.Count)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(float64(len(latencies)) * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	agg.P95Latency = latencies[idx]

	agg.AvgLatencyMS = durationMS(agg.AvgLatency)
	agg.P95LatencyMS = durationMS(agg.P95Latency)

	return agg
}

// durationMS converts a duration to fractional milliseconds.
func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
