package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/cache"
	"github.com/oceanward/tidepool/pkg/clients"
	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/errors"
	"github.com/oceanward/tidepool/pkg/logger"
	"github.com/oceanward/tidepool/pkg/metrics"
	"github.com/oceanward/tidepool/pkg/pool"
)

type harness struct {
	exec      *Executor
	cache     *cache.Cache
	collector *metrics.Collector
}

func newHarness(t *testing.T, execCfg config.ExecutorConfig) *harness {
	t.Helper()

	if execCfg.MaxConcurrency == 0 {
		execCfg.MaxConcurrency = 8
	}
	if execCfg.RetryBaseDelay == 0 {
		execCfg.RetryBaseDelay = time.Millisecond
	}
	if execCfg.RetryMaxDelay == 0 {
		execCfg.RetryMaxDelay = 5 * time.Millisecond
	}
	if execCfg.RetryMultiplier == 0 {
		execCfg.RetryMultiplier = 2.0
	}

	log := zap.NewNop()
	c := cache.New(config.CacheConfig{
		DefaultTTL:    time.Minute,
		SweepInterval: time.Hour,
	}, log)
	t.Cleanup(c.Close)

	pools := pool.NewManager(config.PoolConfig{
		MaxConnections: 16,
		AcquireTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}, log)
	t.Cleanup(pools.Close)

	collector := metrics.NewCollector(config.MetricsConfig{Window: time.Hour}, prometheus.NewRegistry())

	return &harness{
		exec:      New(execCfg, c, pools, collector, log),
		cache:     c,
		collector: collector,
	}
}

func staticFetch(payload []byte) FetchFunc {
	return func(ctx context.Context, client *clients.Client) ([]byte, error) {
		return payload, nil
	}
}

func TestExecuteBatchOutcomesMatchSubmissionOrder(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{})

	reqs := make([]Request, 5)
	for i := range reqs {
		payload := make([]byte, i+1)
		reqs[i] = Request{
			ConnectorID: fmt.Sprintf("connector-%d", i),
			Fetch:       staticFetch(payload),
		}
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), reqs, 2)
	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("connector-%d", i), o.ConnectorID)
		assert.True(t, o.Success)
		assert.Equal(t, int64(i+1), o.Bytes)
	}
}

func TestExecuteBatchBoundsConcurrency(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{})

	const limit = 3
	var inFlight, maxInFlight int64

	reqs := make([]Request, 20)
	for i := range reqs {
		reqs[i] = Request{
			ConnectorID: "copernicus",
			Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					max := atomic.LoadInt64(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return []byte("ok"), nil
			},
		}
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), reqs, limit)
	require.Len(t, outcomes, 20)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(limit))
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 3})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errors.New(errors.ErrorTypeConnection, "connection reset")
			}
			return []byte("recovered"), nil
		},
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.True(t, o.Success)
	assert.Equal(t, 2, o.Retries)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestExecuteStopsOnNonRetryableError(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 3})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New(errors.ErrorTypeValidation, "bad bounding box")
		},
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.False(t, o.Success)
	assert.Equal(t, 0, o.Retries)
	assert.Contains(t, o.Error, "bad bounding box")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 2})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New(errors.ErrorTypeTimeout, "upstream timeout")
		},
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.False(t, o.Success)
	assert.Equal(t, 2, o.Retries)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "budget of 2 retries means 3 attempts")
}

func TestExecuteNegativeMaxRetriesDisablesRetries(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 3})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		MaxRetries:  -1,
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New(errors.ErrorTypeConnection, "connection reset")
		},
	}

	h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecutePlainErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 3})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, stderrors.New("something broke")
		},
	}

	h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecuteServesCacheHit(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{})

	var fetches int32
	req := Request{
		ConnectorID: "copernicus",
		Operation:   "list_observations",
		Args:        []string{"station-1"},
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			atomic.AddInt32(&fetches, 1)
			return []byte("observations"), nil
		},
	}

	first := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.True(t, first[0].Success)
	assert.False(t, first[0].CacheHit)

	second := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.True(t, second[0].Success)
	assert.True(t, second[0].CacheHit)
	assert.Equal(t, int64(len("observations")), second[0].Bytes)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches), "cache hit must not invoke fetch")
}

func TestExecuteBatchDeadlineProducesTimedOutOutcomes(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 0})

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{
			ConnectorID: "copernicus",
			MaxRetries:  -1,
			Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return []byte("too late"), nil
				}
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcomes := h.exec.ExecuteBatch(ctx, reqs, 2)
	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.False(t, o.Success, "request %d should not succeed", i)
		assert.True(t, o.TimedOut, "request %d should be marked timed out", i)
	}
}

func TestExecutePerRequestTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{MaxRetries: 1})

	var attempts int32
	req := Request{
		ConnectorID: "copernicus",
		Timeout:     20 * time.Millisecond,
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte("ok"), nil
		},
	}

	outcomes := h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success, "attempt timeout should be retried: %s", outcomes[0].Error)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestExecuteBatchEnrichesContext(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{})

	var connectorVal, batchVal any
	req := Request{
		ConnectorID: "copernicus",
		Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
			connectorVal = ctx.Value(logger.ConnectorKey)
			batchVal = ctx.Value(logger.BatchIDKey)
			return []byte("ok"), nil
		},
	}

	h.exec.ExecuteBatch(context.Background(), []Request{req}, 1)

	assert.Equal(t, "copernicus", connectorVal,
		"connector ID should ride the request context for log enrichment")
	batchID, ok := batchVal.(string)
	require.True(t, ok, "batch ID should ride the batch context")
	assert.NotEmpty(t, batchID)
}

func TestExecuteBatchRecordsEveryOutcomeOnce(t *testing.T) {
	h := newHarness(t, config.ExecutorConfig{})

	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i] = Request{ConnectorID: "copernicus", Fetch: staticFetch([]byte("ok"))}
	}

	h.exec.ExecuteBatch(context.Background(), reqs, 4)

	agg := h.collector.Snapshot("copernicus", 0)
	assert.Equal(t, int64(10), agg.Count)
	assert.Equal(t, int64(10), agg.Successes)
}
