// Package config provides the unified configuration for the tidepool runtime.
// A single Config structure covers every component: cache, connection pools,
// batch executor, metrics window, alert rules, scoring weights, and the
// admin-facing HTTP server. It is loaded once at process start; components
// receive the relevant section by injection and never reach for globals.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure for the runtime.
type Config struct {
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Pools     PoolConfig      `yaml:"pools" json:"pools"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Alerts    AlertsConfig    `yaml:"alerts" json:"alerts"`
	Scoring   ScoringConfig   `yaml:"scoring" json:"scoring"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// CacheConfig controls the TTL cache.
type CacheConfig struct {
	// DefaultTTL is applied when a memoized operation does not set its own
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// MaxEntries caps the cache size; 0 disables the cap. When exceeded the
	// least-recently-used entry is evicted first.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// SweepInterval is the period of the background expired-entry sweep
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// EnableCompression gzips entries larger than CompressionThreshold
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression"`
	// CompressionThreshold is the minimum entry size in bytes to compress
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold"`
}

// PoolConfig controls per-connector connection pools.
type PoolConfig struct {
	// MaxConnections bounds clients per connector (active + idle)
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// AcquireTimeout is how long Acquire blocks before failing with
	// pool_exhausted
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// RequestTimeout is the per-request timeout on pooled clients
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// IdleTimeout closes keep-alive connections idle longer than this
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// EnableHTTP2 enables HTTP/2 on pooled client transports
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`
	// RateLimitPerSec limits requests per second per connector; 0 disables
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateBurst is the token bucket burst size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// ExecutorConfig controls batch dispatch and retry behavior.
type ExecutorConfig struct {
	// MaxConcurrency is the default in-flight bound when a batch does not
	// set its own
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// MaxRetries is the default retry budget per request
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	// RetryMaxDelay caps the backoff delay
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	// RetryMultiplier grows the delay exponentially per attempt
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// JitterFactor randomizes each delay by ±factor to avoid retry storms
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`
}

// MetricsConfig controls the rolling metrics window.
type MetricsConfig struct {
	// Window is the rolling time window aggregates are computed over
	Window time.Duration `yaml:"window" json:"window"`
	// ActiveCutoff marks a connector idle after this much inactivity
	ActiveCutoff time.Duration `yaml:"active_cutoff" json:"active_cutoff"`
}

// AlertsConfig holds the static alert rule set and evaluation cadence.
type AlertsConfig struct {
	// EvaluationInterval is the background evaluation period
	EvaluationInterval time.Duration `yaml:"evaluation_interval" json:"evaluation_interval"`
	// RecentLimit bounds the resolved-alert history returned by the API
	RecentLimit int          `yaml:"recent_limit" json:"recent_limit"`
	Rules       []RuleConfig `yaml:"rules" json:"rules"`
}

// RuleConfig is one alert rule, loaded at startup.
type RuleConfig struct {
	// Metric names a snapshot-derived value: avg_latency_ms, success_rate,
	// error_rate, cache_hit_rate, request_count
	Metric     string        `yaml:"metric" json:"metric"`
	Comparator string        `yaml:"comparator" json:"comparator"`
	Threshold  float64       `yaml:"threshold" json:"threshold"`
	Severity   string        `yaml:"severity" json:"severity"`
	Window     time.Duration `yaml:"window" json:"window"`
}

// ScoringConfig holds the weighted-score tunables.
type ScoringConfig struct {
	SuccessWeight  float64 `yaml:"success_weight" json:"success_weight"`
	CacheHitWeight float64 `yaml:"cache_hit_weight" json:"cache_hit_weight"`
	LatencyWeight  float64 `yaml:"latency_weight" json:"latency_weight"`
}

// ServerConfig controls the admin-facing HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	EnableTracing bool    `yaml:"enable_tracing" json:"enable_tracing"`
	SampleRate    float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Default returns a Config with production-ready defaults.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			DefaultTTL:           5 * time.Minute,
			MaxEntries:           10000,
			SweepInterval:        time.Minute,
			EnableCompression:    true,
			CompressionThreshold: 4096,
		},
		Pools: PoolConfig{
			MaxConnections:  100,
			AcquireTimeout:  10 * time.Second,
			RequestTimeout:  30 * time.Second,
			IdleTimeout:     90 * time.Second,
			EnableHTTP2:     true,
			RateLimitPerSec: 0,
			RateBurst:       10,
		},
		Executor: ExecutorConfig{
			MaxConcurrency:  10,
			MaxRetries:      3,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryMaxDelay:   30 * time.Second,
			RetryMultiplier: 2.0,
			JitterFactor:    0.25,
		},
		Metrics: MetricsConfig{
			Window:       time.Hour,
			ActiveCutoff: 5 * time.Minute,
		},
		Alerts: AlertsConfig{
			EvaluationInterval: 30 * time.Second,
			RecentLimit:        50,
			Rules: []RuleConfig{
				{Metric: "avg_latency_ms", Comparator: ">", Threshold: 5000, Severity: "critical", Window: 10 * time.Minute},
				{Metric: "avg_latency_ms", Comparator: ">", Threshold: 2000, Severity: "warning", Window: 10 * time.Minute},
				{Metric: "error_rate", Comparator: ">", Threshold: 0.15, Severity: "critical", Window: 10 * time.Minute},
				{Metric: "error_rate", Comparator: ">", Threshold: 0.05, Severity: "warning", Window: 10 * time.Minute},
				{Metric: "success_rate", Comparator: "<", Threshold: 0.80, Severity: "critical", Window: 10 * time.Minute},
				{Metric: "cache_hit_rate", Comparator: "<", Threshold: 0.30, Severity: "info", Window: 30 * time.Minute},
			},
		},
		Scoring: ScoringConfig{
			SuccessWeight:  0.4,
			CacheHitWeight: 0.3,
			LatencyWeight:  0.3,
		},
		Server: ServerConfig{
			Addr:            ":8085",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Telemetry: TelemetryConfig{
			EnableTracing: false,
			SampleRate:    0.1,
		},
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative")
	}
	if c.Pools.MaxConnections <= 0 {
		return fmt.Errorf("pools.max_connections must be positive")
	}
	if c.Pools.AcquireTimeout <= 0 {
		return fmt.Errorf("pools.acquire_timeout must be positive")
	}
	if c.Executor.MaxConcurrency <= 0 {
		return fmt.Errorf("executor.max_concurrency must be positive")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries cannot be negative")
	}
	if c.Executor.RetryMultiplier < 1 {
		return fmt.Errorf("executor.retry_multiplier must be >= 1")
	}
	if c.Metrics.Window <= 0 {
		return fmt.Errorf("metrics.window must be positive")
	}
	if c.Alerts.EvaluationInterval <= 0 {
		return fmt.Errorf("alerts.evaluation_interval must be positive")
	}
	for i, r := range c.Alerts.Rules {
		switch r.Comparator {
		case "<", ">", "<=", ">=":
		default:
			return fmt.Errorf("alerts.rules[%d]: invalid comparator %q", i, r.Comparator)
		}
		switch r.Severity {
		case "info", "warning", "critical":
		default:
			return fmt.Errorf("alerts.rules[%d]: invalid severity %q", i, r.Severity)
		}
	}
	sum := c.Scoring.SuccessWeight + c.Scoring.CacheHitWeight + c.Scoring.LatencyWeight
	if sum <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value")
	}
	return nil
}
