// Package scoring derives weighted performance scores, categories, and
// rankings from connector metrics.
//
// The score combines success rate, cache hit rate, and a normalized latency
// term on a 0 to 10 scale. Weights come from configuration and are
// renormalized so partial weight sets still produce a 0 to 10 score.
package scoring

import (
	"sort"
	"time"

	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/metrics"
)

// Category buckets a score for dashboard display.
type Category string

const (
	CategoryExcellent Category = "excellent" // score >= 9
	CategoryGood      Category = "good"      // 7 <= score < 9
	CategoryFair      Category = "fair"      // 5 <= score < 7
	CategoryPoor      Category = "poor"      // score < 5
)

// Connector liveness states, derived from last activity.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// ConnectorProfile is the full dashboard view of one connector, flattened
// for the JSON surface: windowed rates and latencies in milliseconds plus
// lifetime totals.
type ConnectorProfile struct {
	ConnectorID   string    `json:"connector_id"`
	Status        string    `json:"status"`
	Requests      int64     `json:"requests"`
	SuccessRate   float64   `json:"success_rate"`
	ErrorRate     float64   `json:"error_rate"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	P95LatencyMS  float64   `json:"p95_latency_ms"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
	TotalRequests int64     `json:"total_requests"`
	TotalBytes    int64     `json:"total_bytes"`
	Score         float64   `json:"score"`
	Category      Category  `json:"category"`
	LastActivity  time.Time `json:"last_activity"`
}

// RankedConnector pairs a connector with its score for ranking output.
type RankedConnector struct {
	ConnectorID string   `json:"connector_id"`
	Score       float64  `json:"score"`
	Category    Category `json:"category"`
}

// TopPerformers highlights the best connector per dimension. Nil fields
// mean no connector had activity in the window.
type TopPerformers struct {
	FastestResponse      *Highlight `json:"fastest_response,omitempty"`
	HighestSuccessRate   *Highlight `json:"highest_success_rate,omitempty"`
	BestCachePerformance *Highlight `json:"best_cache_performance,omitempty"`
}

// Highlight names a connector and the value that earned it the spot.
type Highlight struct {
	ConnectorID string  `json:"connector_id"`
	Value       float64 `json:"value"`
}

// Scorer computes scores over the shared metrics collector.
type Scorer struct {
	weights      config.ScoringConfig
	activeCutoff time.Duration
	collector    *metrics.Collector
}

// NewScorer builds a scorer with the configured weights and activity cutoff.
func NewScorer(scoringCfg config.ScoringConfig, metricsCfg config.MetricsConfig, collector *metrics.Collector) *Scorer {
	cutoff := metricsCfg.ActiveCutoff
	if cutoff <= 0 {
		cutoff = 5 * time.Minute
	}
	return &Scorer{
		weights:      scoringCfg,
		activeCutoff: cutoff,
		collector:    collector,
	}
}

// Score computes the weighted performance score and category for a
// connector over the collector's full window. A connector with no activity
// scores zero.
func (s *Scorer) Score(connectorID string) (float64, Category) {
	agg := s.collector.Snapshot(connectorID, 0)
	score := s.scoreAggregates(agg)
	return score, Categorize(score)
}

// scoreAggregates applies the weighted formula to one snapshot.
func (s *Scorer) scoreAggregates(agg metrics.Aggregates) float64 {
	if agg.Count == 0 {
		return 0
	}

	sw, cw, lw := s.weights.SuccessWeight, s.weights.CacheHitWeight, s.weights.LatencyWeight
	total := sw + cw + lw
	if total <= 0 {
		sw, cw, lw = 0.4, 0.3, 0.3
		total = 1.0
	}

	// Latency maps to (0, 1]: instant responses score 1, one second
	// halves the term, and it decays toward zero from there.
	avgMs := float64(agg.AvgLatency) / float64(time.Millisecond)
	latencyTerm := 1.0 / (1.0 + avgMs/1000.0)

	weighted := sw*agg.SuccessRate + cw*agg.CacheHitRate + lw*latencyTerm
	return 10.0 * weighted / total
}

// Categorize buckets a 0 to 10 score.
func Categorize(score float64) Category {
	switch {
	case score >= 9:
		return CategoryExcellent
	case score >= 7:
		return CategoryGood
	case score >= 5:
		return CategoryFair
	default:
		return CategoryPoor
	}
}

// Profile builds the full dashboard view for one connector.
func (s *Scorer) Profile(connectorID string) ConnectorProfile {
	agg := s.collector.Snapshot(connectorID, 0)
	requests, bytes := s.collector.Totals(connectorID)

	status := StatusIdle
	if !agg.LastActivity.IsZero() && time.Since(agg.LastActivity) < s.activeCutoff {
		status = StatusActive
	}

	score := s.scoreAggregates(agg)
	return ConnectorProfile{
		ConnectorID:   connectorID,
		Status:        status,
		Requests:      agg.Count,
		SuccessRate:   agg.SuccessRate,
		ErrorRate:     agg.ErrorRate,
		AvgLatencyMS:  agg.AvgLatencyMS,
		P95LatencyMS:  agg.P95LatencyMS,
		CacheHitRate:  agg.CacheHitRate,
		TotalRequests: requests,
		TotalBytes:    bytes,
		Score:         score,
		Category:      Categorize(score),
		LastActivity:  agg.LastActivity,
	}
}

// Profiles returns a profile for every known connector, sorted by ID.
func (s *Scorer) Profiles() []ConnectorProfile {
	ids := s.collector.Connectors()
	out := make([]ConnectorProfile, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Profile(id))
	}
	return out
}

// RankConnectors orders every known connector by score, best first.
// Ties break on connector ID so the ranking is deterministic.
func (s *Scorer) RankConnectors() []RankedConnector {
	ids := s.collector.Connectors()
	out := make([]RankedConnector, 0, len(ids))
	for _, id := range ids {
		score, category := s.Score(id)
		out = append(out, RankedConnector{ConnectorID: id, Score: score, Category: category})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ConnectorID < out[j].ConnectorID
	})
	return out
}

// CategoryCounts tallies connectors per category for the dashboard.
func (s *Scorer) CategoryCounts() map[Category]int {
	counts := map[Category]int{
		CategoryExcellent: 0,
		CategoryGood:      0,
		CategoryFair:      0,
		CategoryPoor:      0,
	}
	for _, id := range s.collector.Connectors() {
		_, category := s.Score(id)
		counts[category]++
	}
	return counts
}

// TopPerformers finds the best connector along each dashboard dimension,
// considering only connectors with activity in the window.
func (s *Scorer) TopPerformers() TopPerformers {
	var top TopPerformers
	var fastest time.Duration

	for _, id := range s.collector.Connectors() {
		agg := s.collector.Snapshot(id, 0)
		if agg.Count == 0 {
			continue
		}

		if top.FastestResponse == nil || agg.AvgLatency < fastest {
			fastest = agg.AvgLatency
			top.FastestResponse = &Highlight{ConnectorID: id, Value: agg.AvgLatencyMS}
		}
		if top.HighestSuccessRate == nil || agg.SuccessRate > top.HighestSuccessRate.Value {
			top.HighestSuccessRate = &Highlight{ConnectorID: id, Value: agg.SuccessRate}
		}
		if top.BestCachePerformance == nil || agg.CacheHitRate > top.BestCachePerformance.Value {
			top.BestCachePerformance = &Highlight{ConnectorID: id, Value: agg.CacheHitRate}
		}
	}
	return top
}
