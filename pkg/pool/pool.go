// Package pool manages per-connector pools of reusable HTTP clients.
//
// Each connector gets an isolated pool bounded by max_connections. Acquire
// blocks when the pool is saturated and fails with a pool_exhausted error
// once the acquire timeout elapses. Released clients return to the idle set
// unless they reported a terminal error, in which case they are discarded
// and replaced lazily on a later acquire.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/clients"
	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/errors"
)

// Manager owns one pool per connector. Pool creation is idempotent:
// repeated Get calls for a connector return the same pool.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	cfg    config.PoolConfig
	logger *zap.Logger
}

// NewManager creates a pool manager with the given pool configuration.
func NewManager(cfg config.PoolConfig, logger *zap.Logger) *Manager {
	return &Manager{
		pools:  make(map[string]*Pool),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pool_manager")),
	}
}

// Get returns the pool for a connector, creating it on first use.
func (m *Manager) Get(connectorID string) *Pool {
	m.mu.RLock()
	p, ok := m.pools[connectorID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[connectorID]; ok {
		return p
	}

	p = newPool(connectorID, m.cfg, m.logger)
	m.pools[connectorID] = p
	m.logger.Debug("created connector pool",
		zap.String("connector_id", connectorID),
		zap.Int("max_connections", m.cfg.MaxConnections))
	return p
}

// Acquire gets a client for a connector, blocking up to the acquire timeout.
func (m *Manager) Acquire(ctx context.Context, connectorID string) (*clients.Client, error) {
	return m.Get(connectorID).Acquire(ctx)
}

// Release returns a client to its connector's pool.
func (m *Manager) Release(c *clients.Client) {
	if c == nil {
		return
	}
	m.Get(c.ConnectorID()).Release(c)
}

// Stats returns per-connector pool statistics.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Stats()
	}
	return out
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
	m.pools = make(map[string]*Pool)
}

// Pool is a bounded set of reusable clients for one connector. The slot
// channel enforces the invariant: every live client, acquired or idle,
// holds one slot token, so active + idle never exceeds max_connections.
type Pool struct {
	connectorID string
	cfg         config.PoolConfig
	logger      *zap.Logger

	slots chan struct{}        // capacity = max_connections
	idle  chan *clients.Client // buffered to max_connections

	created   int64
	reused    int64
	discarded int64
	exhausted int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Max       int   `json:"max"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Discarded int64 `json:"discarded"`
	Exhausted int64 `json:"exhausted"`
}

func newPool(connectorID string, cfg config.PoolConfig, logger *zap.Logger) *Pool {
	p := &Pool{
		connectorID: connectorID,
		cfg:         cfg,
		logger:      logger.With(zap.String("connector_id", connectorID)),
		slots:       make(chan struct{}, cfg.MaxConnections),
		idle:        make(chan *clients.Client, cfg.MaxConnections),
		closed:      make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire takes a client from the pool. It reuses an idle client when one
// exists, otherwise claims a free slot and creates one lazily. When every
// slot is held by an acquired client it blocks until a release, the context
// is done, or the acquire timeout elapses, failing with pool_exhausted.
func (p *Pool) Acquire(ctx context.Context) (*clients.Client, error) {
	// Fast path: an idle client already holds its slot.
	select {
	case c := <-p.idle:
		atomic.AddInt64(&p.reused, 1)
		return c, nil
	default:
	}

	select {
	case <-p.slots:
		atomic.AddInt64(&p.created, 1)
		return clients.New(p.connectorID, p.cfg, p.logger), nil
	default:
	}

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		atomic.AddInt64(&p.reused, 1)
		return c, nil
	case <-p.slots:
		atomic.AddInt64(&p.created, 1)
		return clients.New(p.connectorID, p.cfg, p.logger), nil
	case <-p.closed:
		return nil, errors.New(errors.ErrorTypeInternal, "pool closed")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "acquire cancelled")
	case <-timer.C:
		atomic.AddInt64(&p.exhausted, 1)
		return nil, errors.Newf(errors.ErrorTypePoolExhausted,
			"no client available for %s after %s", p.connectorID, timeout)
	}
}

// Release returns a client to the idle set, keeping its slot. Unhealthy
// clients are closed and their slot freed; the replacement is created on a
// later acquire.
func (p *Pool) Release(c *clients.Client) {
	if c == nil {
		return
	}

	if !c.Healthy() {
		atomic.AddInt64(&p.discarded, 1)
		c.Close()
		p.logger.Debug("discarded unhealthy client")
		select {
		case p.slots <- struct{}{}:
		default:
		}
		return
	}

	select {
	case p.idle <- c:
	default:
		// Idle set full; never block a release.
		c.Close()
		select {
		case p.slots <- struct{}{}:
		default:
		}
	}
}

// Stats returns current pool counters. Every live client holds a slot, so
// active = max - free slots - idle.
func (p *Pool) Stats() Stats {
	free := len(p.slots)
	idle := len(p.idle)
	return Stats{
		Active:    p.cfg.MaxConnections - free - idle,
		Idle:      idle,
		Max:       p.cfg.MaxConnections,
		Created:   atomic.LoadInt64(&p.created),
		Reused:    atomic.LoadInt64(&p.reused),
		Discarded: atomic.LoadInt64(&p.discarded),
		Exhausted: atomic.LoadInt64(&p.exhausted),
	}
}

// Close drains and closes all idle clients.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		for {
			select {
			case c := <-p.idle:
				c.Close()
			default:
				return
			}
		}
	})
}
