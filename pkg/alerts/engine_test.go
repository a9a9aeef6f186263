package alerts

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/metrics"
)

func newTestEngine(t *testing.T, rules []config.RuleConfig) (*Engine, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector(config.MetricsConfig{Window: time.Hour}, prometheus.NewRegistry())
	engine := NewEngine(config.AlertsConfig{
		EvaluationInterval: time.Hour,
		RecentLimit:        10,
		Rules:              rules,
	}, collector, zap.NewNop())
	return engine, collector
}

func record(c *metrics.Collector, connector string, d time.Duration, success bool) {
	c.Record(metrics.RequestOutcome{
		ConnectorID: connector,
		Timestamp:   time.Now(),
		Duration:    d,
		Success:     success,
	})
}

func TestEngineFiresOnThresholdBreach(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "error_rate", Comparator: ">", Threshold: 0.5, Severity: "critical", Window: 10 * time.Minute},
	})

	for i := 0; i < 4; i++ {
		record(collector, "copernicus", time.Millisecond, false)
	}
	record(collector, "copernicus", time.Millisecond, true)

	engine.Evaluate()

	active := engine.ActiveAlerts()
	require.Len(t, active, 1)
	a := active[0]
	assert.Equal(t, "copernicus", a.ConnectorID)
	assert.Equal(t, "error_rate", a.Metric)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, StatusFiring, a.Status)
	assert.InDelta(t, 0.8, a.Value, 1e-9)
	assert.NotEmpty(t, a.ID)
	assert.Nil(t, a.ResolvedAt)
}

func TestEngineDoesNotDuplicateFiringAlerts(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "error_rate", Comparator: ">", Threshold: 0.5, Severity: "warning", Window: 10 * time.Minute},
	})

	record(collector, "copernicus", time.Millisecond, false)

	engine.Evaluate()
	first := engine.ActiveAlerts()
	require.Len(t, first, 1)

	engine.Evaluate()
	engine.Evaluate()
	second := engine.ActiveAlerts()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "repeated breaches must keep the same alert")
}

func TestEngineResolvesWhenConditionClears(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "error_rate", Comparator: ">", Threshold: 0.5, Severity: "critical", Window: 10 * time.Minute},
	})

	record(collector, "copernicus", time.Millisecond, false)
	engine.Evaluate()
	require.Len(t, engine.ActiveAlerts(), 1)

	for i := 0; i < 10; i++ {
		record(collector, "copernicus", time.Millisecond, true)
	}
	engine.Evaluate()

	assert.Empty(t, engine.ActiveAlerts())

	recent := engine.RecentAlerts()
	require.Len(t, recent, 1)
	assert.Equal(t, StatusResolved, recent[0].Status)
	require.NotNil(t, recent[0].ResolvedAt)
	assert.False(t, recent[0].ResolvedAt.Before(recent[0].FiredAt))
}

func TestEngineEvaluatesPerConnector(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "success_rate", Comparator: "<", Threshold: 0.8, Severity: "critical", Window: 10 * time.Minute},
	})

	record(collector, "failing", time.Millisecond, false)
	for i := 0; i < 5; i++ {
		record(collector, "healthy", time.Millisecond, true)
	}

	engine.Evaluate()

	active := engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "failing", active[0].ConnectorID)
}

func TestEngineLatencyRule(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "avg_latency_ms", Comparator: ">", Threshold: 100, Severity: "warning", Window: 10 * time.Minute},
	})

	record(collector, "slow", 250*time.Millisecond, true)
	record(collector, "fast", 10*time.Millisecond, true)

	engine.Evaluate()

	active := engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "slow", active[0].ConnectorID)
	assert.InDelta(t, 250, active[0].Value, 1)
}

func TestEngineOrdersActiveAlertsBySeverity(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "error_rate", Comparator: ">", Threshold: 0.5, Severity: "critical", Window: 10 * time.Minute},
		{Metric: "cache_hit_rate", Comparator: "<", Threshold: 0.3, Severity: "info", Window: 10 * time.Minute},
	})

	record(collector, "copernicus", time.Millisecond, false)
	engine.Evaluate()

	active := engine.ActiveAlerts()
	require.Len(t, active, 2)
	assert.Equal(t, SeverityCritical, active[0].Severity)
	assert.Equal(t, SeverityInfo, active[1].Severity)
}

func TestEngineUnknownMetricIsIgnored(t *testing.T) {
	engine, collector := newTestEngine(t, []config.RuleConfig{
		{Metric: "nonexistent_metric", Comparator: ">", Threshold: 1, Severity: "info", Window: 10 * time.Minute},
	})

	record(collector, "copernicus", time.Millisecond, true)

	engine.Evaluate()
	assert.Empty(t, engine.ActiveAlerts())
}

func TestEngineRunStopsCleanly(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	go engine.Run()

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
