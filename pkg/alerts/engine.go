// Package alerts evaluates threshold rules against connector metrics and
// tracks firing and resolved alerts.
//
// Rules are static, loaded from configuration at startup. The engine runs a
// periodic evaluation loop: for every (rule, connector) pair it compares a
// windowed aggregate against the rule's threshold. Crossing the threshold
// fires an alert; an already-firing pair never fires a duplicate, and a
// pair whose condition clears is marked resolved and moved to the recent
// history. A failure evaluating one rule never prevents the others from
// being evaluated in the same pass.
package alerts

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/metrics"
)

// Severity classifies alert urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert statuses.
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// Rule is one threshold condition evaluated per connector.
type Rule struct {
	Metric     string
	Comparator string
	Threshold  float64
	Severity   Severity
	Window     time.Duration
}

// Alert is one fired instance of a rule for a connector.
type Alert struct {
	ID          string     `json:"id"`
	ConnectorID string     `json:"connector_id"`
	Metric      string     `json:"metric"`
	Comparator  string     `json:"comparator"`
	Threshold   float64    `json:"threshold"`
	Value       float64    `json:"value"`
	Severity    Severity   `json:"severity"`
	Status      string     `json:"status"`
	FiredAt     time.Time  `json:"fired_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Engine periodically evaluates rules against the metrics collector.
type Engine struct {
	rules       []Rule
	interval    time.Duration
	recentLimit int
	collector   *metrics.Collector
	logger      *zap.Logger

	mu     sync.RWMutex
	firing map[string]*Alert // keyed by rule + connector
	recent []Alert           // resolved history, newest last

	running  int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEngine builds an engine from the configured rule set.
func NewEngine(cfg config.AlertsConfig, collector *metrics.Collector, logger *zap.Logger) *Engine {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{
			Metric:     r.Metric,
			Comparator: r.Comparator,
			Threshold:  r.Threshold,
			Severity:   Severity(r.Severity),
			Window:     r.Window,
		})
	}

	interval := cfg.EvaluationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = 50
	}

	return &Engine{
		rules:       rules,
		interval:    interval,
		recentLimit: recentLimit,
		collector:   collector,
		logger:      logger.With(zap.String("component", "alert_engine")),
		firing:      make(map[string]*Alert),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run evaluates rules on the configured interval until Stop is called.
func (e *Engine) Run() {
	atomic.StoreInt32(&e.running, 1)
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// Stop halts the evaluation loop and waits for it to exit. Safe to call
// even when Run was never started.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if atomic.LoadInt32(&e.running) == 1 {
		<-e.doneCh
	}
}

// Evaluate runs one evaluation pass over every rule and connector.
func (e *Engine) Evaluate() {
	connectors := e.collector.Connectors()
	now := time.Now()

	for _, rule := range e.rules {
		e.evaluateRule(rule, connectors, now)
	}
}

// evaluateRule checks one rule against every connector. A panic inside the
// rule is contained so the remaining rules still run.
func (e *Engine) evaluateRule(rule Rule, connectors []string, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert rule evaluation panicked",
				zap.String("metric", rule.Metric),
				zap.Any("panic", r))
		}
	}()

	for _, id := range connectors {
		agg := e.collector.Snapshot(id, rule.Window)
		if agg.Count == 0 {
			// No activity in the window: resolve anything still firing
			// rather than alerting on stale data.
			e.resolve(rule, id, now)
			continue
		}

		value, ok := metricValue(rule.Metric, agg)
		if !ok {
			e.logger.Warn("unknown alert metric", zap.String("metric", rule.Metric))
			return
		}

		if compare(value, rule.Comparator, rule.Threshold) {
			e.fire(rule, id, value, now)
		} else {
			e.resolve(rule, id, now)
		}
	}
}

// fire opens an alert for the (rule, connector) pair unless one is already
// firing, in which case only the observed value is refreshed.
func (e *Engine) fire(rule Rule, connectorID string, value float64, now time.Time) {
	key := alertKey(rule, connectorID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.firing[key]; ok {
		a.Value = value
		return
	}

	a := &Alert{
		ID:          uuid.NewString(),
		ConnectorID: connectorID,
		Metric:      rule.Metric,
		Comparator:  rule.Comparator,
		Threshold:   rule.Threshold,
		Value:       value,
		Severity:    rule.Severity,
		Status:      StatusFiring,
		FiredAt:     now,
	}
	e.firing[key] = a

	e.logger.Warn("alert fired",
		zap.String("alert_id", a.ID),
		zap.String("connector_id", connectorID),
		zap.String("metric", rule.Metric),
		zap.String("severity", string(rule.Severity)),
		zap.Float64("value", value),
		zap.Float64("threshold", rule.Threshold))
}

// resolve closes a firing alert for the pair, if any, and moves it to the
// recent history.
func (e *Engine) resolve(rule Rule, connectorID string, now time.Time) {
	key := alertKey(rule, connectorID)

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.firing[key]
	if !ok {
		return
	}
	delete(e.firing, key)

	resolved := now
	a.Status = StatusResolved
	a.ResolvedAt = &resolved

	e.recent = append(e.recent, *a)
	if len(e.recent) > e.recentLimit {
		e.recent = e.recent[len(e.recent)-e.recentLimit:]
	}

	e.logger.Info("alert resolved",
		zap.String("alert_id", a.ID),
		zap.String("connector_id", connectorID),
		zap.String("metric", rule.Metric),
		zap.Duration("duration", resolved.Sub(a.FiredAt)))
}

// ActiveAlerts returns every firing alert, ordered by severity (critical
// first) then fire time.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.RLock()
	out := make([]Alert, 0, len(e.firing))
	for _, a := range e.firing {
		out = append(out, *a)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if si != sj {
			return si > sj
		}
		return out[i].FiredAt.Before(out[j].FiredAt)
	})
	return out
}

// RecentAlerts returns the resolved-alert history, newest first.
func (e *Engine) RecentAlerts() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Alert, len(e.recent))
	for i, a := range e.recent {
		out[len(e.recent)-1-i] = a
	}
	return out
}

func alertKey(rule Rule, connectorID string) string {
	return fmt.Sprintf("%s%s%g|%s", rule.Metric, rule.Comparator, rule.Threshold, connectorID)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// metricValue maps a rule metric name to its value in a snapshot.
func metricValue(metric string, agg metrics.Aggregates) (float64, bool) {
	switch metric {
	case "avg_latency_ms":
		return agg.AvgLatencyMS, true
	case "p95_latency_ms":
		return agg.P95LatencyMS, true
	case "success_rate":
		return agg.SuccessRate, true
	case "error_rate":
		return agg.ErrorRate, true
	case "cache_hit_rate":
		return agg.CacheHitRate, true
	case "request_count":
		return float64(agg.Count), true
	}
	return 0, false
}

func compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	}
	return false
}
