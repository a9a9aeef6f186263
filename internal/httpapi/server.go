// Package httpapi serves the performance dashboard endpoints and the
// Prometheus scrape target.
package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/metrics"
	tidepool "github.com/oceanward/tidepool/pkg/runtime"
	"github.com/oceanward/tidepool/pkg/scoring"
)

// Server is the admin-facing HTTP server.
type Server struct {
	cfg    config.ServerConfig
	rt     *tidepool.Runtime
	logger *zap.Logger
	srv    *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, rt *tidepool.Runtime, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		rt:     rt,
		logger: logger.With(zap.String("component", "httpapi")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /performance/metrics", s.handleMetrics)
	mux.HandleFunc("GET /performance/connectors", s.handleConnectors)
	mux.HandleFunc("GET /performance/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /performance/alerts", s.handleAlerts)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the route mux, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe runs the server until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// globalMetricsResponse is the /performance/metrics payload.
type globalMetricsResponse struct {
	Timestamp         time.Time                     `json:"timestamp"`
	UptimeSeconds     float64                       `json:"uptime_seconds"`
	TotalConnectors   int                           `json:"total_connectors"`
	ActiveConnectors  int                           `json:"active_connectors"`
	GlobalSuccessRate float64                       `json:"global_success_rate"`
	AvgResponseTimeMS float64                       `json:"avg_response_time_ms"`
	TotalRequests     int64                         `json:"total_requests"`
	TotalBytes        int64                         `json:"total_bytes"`
	Global            metrics.Aggregates            `json:"global"`
	Connectors        map[string]metrics.Aggregates `json:"connectors"`
	Cache             cacheStats                    `json:"cache"`
	Pools             map[string]poolStats          `json:"pools"`
	System            systemStats                   `json:"system"`
}

type cacheStats struct {
	Entries     int     `json:"entries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Bytes       int64   `json:"bytes"`
}

type poolStats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Max       int   `json:"max"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Discarded int64 `json:"discarded"`
	Exhausted int64 `json:"exhausted"`
}

type systemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	collector := s.rt.Collector

	perConnector := make(map[string]metrics.Aggregates)
	var global metrics.Aggregates
	var totalLatency time.Duration
	for _, id := range collector.Connectors() {
		agg := collector.Snapshot(id, 0)
		perConnector[id] = agg

		global.Count += agg.Count
		global.Successes += agg.Successes
		global.Failures += agg.Failures
		global.CacheHits += agg.CacheHits
		global.TotalBytes += agg.TotalBytes
		totalLatency += agg.AvgLatency * time.Duration(agg.Count)
		if agg.LastActivity.After(global.LastActivity) {
			global.LastActivity = agg.LastActivity
		}
		if agg.P95Latency > global.P95Latency {
			global.P95Latency = agg.P95Latency
		}
	}
	if global.Count > 0 {
		global.SuccessRate = float64(global.Successes) / float64(global.Count)
		global.ErrorRate = float64(global.Failures) / float64(global.Count)
		global.CacheHitRate = float64(global.CacheHits) / float64(global.Count)
		global.AvgLatency = totalLatency / time.Duration(global.Count)
		global.AvgLatencyMS = float64(global.AvgLatency) / float64(time.Millisecond)
		global.P95LatencyMS = float64(global.P95Latency) / float64(time.Millisecond)
	}

	cs := s.rt.Cache.Stats()
	pools := make(map[string]poolStats)
	for id, ps := range s.rt.Pools.Stats() {
		pools[id] = poolStats{
			Active:    ps.Active,
			Idle:      ps.Idle,
			Max:       ps.Max,
			Created:   ps.Created,
			Reused:    ps.Reused,
			Discarded: ps.Discarded,
			Exhausted: ps.Exhausted,
		}
	}

	active := 0
	for _, p := range s.rt.Scorer.Profiles() {
		if p.Status == scoring.StatusActive {
			active++
		}
	}

	var totalRequests, totalBytes int64
	for _, id := range collector.Connectors() {
		requests, bytes := collector.Totals(id)
		totalRequests += requests
		totalBytes += bytes
	}

	s.writeJSON(w, http.StatusOK, globalMetricsResponse{
		Timestamp:         time.Now(),
		UptimeSeconds:     time.Since(collector.StartTime()).Seconds(),
		TotalConnectors:   len(perConnector),
		ActiveConnectors:  active,
		GlobalSuccessRate: global.SuccessRate,
		AvgResponseTimeMS: global.AvgLatencyMS,
		TotalRequests:     totalRequests,
		TotalBytes:        totalBytes,
		Global:            global,
		Connectors:        perConnector,
		Cache: cacheStats{
			Entries:     cs.Entries,
			Hits:        cs.Hits,
			Misses:      cs.Misses,
			HitRate:     cs.HitRate,
			Evictions:   cs.Evictions,
			Expirations: cs.Expirations,
			Bytes:       cs.Bytes,
		},
		Pools:  pools,
		System: collectSystemStats(),
	})
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	profiles := s.rt.Scorer.Profiles()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":  time.Now(),
		"count":      len(profiles),
		"connectors": profiles,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	profiles := s.rt.Scorer.Profiles()
	active := 0
	var totalRequests, totalBytes int64
	for _, p := range profiles {
		if p.Status == scoring.StatusActive {
			active++
		}
		totalRequests += p.TotalRequests
		totalBytes += p.TotalBytes
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"summary": map[string]any{
			"total_connectors":  len(profiles),
			"active_connectors": active,
			"total_requests":    totalRequests,
			"total_bytes":       totalBytes,
			"uptime_seconds":    time.Since(s.rt.Collector.StartTime()).Seconds(),
		},
		"performance_categories": s.rt.Scorer.CategoryCounts(),
		"rankings":               s.rt.Scorer.RankConnectors(),
		"top_performers":         s.rt.Scorer.TopPerformers(),
		"active_alerts":          s.rt.Alerts.ActiveAlerts(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"active":    s.rt.Alerts.ActiveAlerts(),
		"recent":    s.rt.Alerts.RecentAlerts(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.rt.Collector.StartTime()).Seconds(),
		"connectors":     len(s.rt.Collector.Connectors()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// collectSystemStats samples host CPU and memory. Sampling errors produce
// zero values rather than failing the request.
func collectSystemStats() systemStats {
	stats := systemStats{Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return stats
}
