// Package runtime assembles the cache, pools, executor, metrics, alerting,
// and scoring components into one lifecycle-managed unit.
package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/alerts"
	"github.com/oceanward/tidepool/pkg/cache"
	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/executor"
	"github.com/oceanward/tidepool/pkg/metrics"
	"github.com/oceanward/tidepool/pkg/pool"
	"github.com/oceanward/tidepool/pkg/scoring"
)

// Runtime owns every ingestion-layer component and their shutdown order.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	Cache     *cache.Cache
	Pools     *pool.Manager
	Collector *metrics.Collector
	Executor  *executor.Executor
	Alerts    *alerts.Engine
	Scorer    *scoring.Scorer
}

// Option customizes runtime construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer overrides the Prometheus registerer, used by tests to
// avoid collisions on the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds a runtime from validated configuration. Background loops do
// not start until Start is called.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := cache.New(cfg.Cache, logger)
	pools := pool.NewManager(cfg.Pools, logger)
	collector := metrics.NewCollector(cfg.Metrics, o.registerer)
	exec := executor.New(cfg.Executor, c, pools, collector, logger)
	engine := alerts.NewEngine(cfg.Alerts, collector, logger)
	scorer := scoring.NewScorer(cfg.Scoring, cfg.Metrics, collector)

	return &Runtime{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "runtime")),
		Cache:     c,
		Pools:     pools,
		Collector: collector,
		Executor:  exec,
		Alerts:    engine,
		Scorer:    scorer,
	}, nil
}

// Start launches the background loops: the alert evaluation ticker. The
// cache sweep loop starts with the cache itself.
func (r *Runtime) Start() {
	go r.Alerts.Run()
	r.logger.Info("runtime started",
		zap.Int("max_connections", r.cfg.Pools.MaxConnections),
		zap.Int("max_concurrency", r.cfg.Executor.MaxConcurrency),
		zap.Duration("metrics_window", r.cfg.Metrics.Window))
}

// Close stops background loops and releases pooled connections. Safe to
// call once after Start.
func (r *Runtime) Close() {
	r.Alerts.Stop()
	r.Pools.Close()
	r.Cache.Close()
	r.logger.Info("runtime stopped")
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}
