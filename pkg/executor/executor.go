// Package executor dispatches connector fetch batches with bounded
// concurrency, cache-first lookups, and retry with exponential backoff.
//
// A batch is a slice of Requests executed through a counting semaphore:
// at most maxConcurrency requests are in flight, excess requests start in
// submission order, and outcomes come back indexed to their requests no
// matter how execution interleaves. The caller bounds the whole batch with
// a context deadline; once it expires, outstanding requests are cancelled
// cooperatively and reported as timed-out outcomes. Every request produces
// exactly one RequestOutcome, recorded to the metrics collector.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/cache"
	"github.com/oceanward/tidepool/pkg/clients"
	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/errors"
	"github.com/oceanward/tidepool/pkg/logger"
	"github.com/oceanward/tidepool/pkg/metrics"
	"github.com/oceanward/tidepool/pkg/pool"
)

// FetchFunc performs the actual outbound call for one request using a
// pooled client. Implementations return typed errors from pkg/errors so
// the executor can distinguish retryable from non-retryable failures;
// plain errors are treated as non-retryable.
type FetchFunc func(ctx context.Context, client *clients.Client) ([]byte, error)

// Request describes one fetch within a batch.
type Request struct {
	// ConnectorID namespaces the pool, cache keys, and metrics
	ConnectorID string
	// Operation identifies the fetch operation for cache key derivation;
	// empty disables caching for this request
	Operation string
	// Args are the operation arguments hashed into the cache key
	Args []string
	// TTL overrides the cache default for stored results; 0 uses the default
	TTL time.Duration
	// Timeout bounds each attempt; 0 means no per-attempt timeout
	Timeout time.Duration
	// MaxRetries is the retry budget: 0 uses the executor default,
	// negative disables retries
	MaxRetries int
	// Fetch performs the call on a cache miss
	Fetch FetchFunc
}

// Executor runs batches against the shared cache, pools, and metrics.
type Executor struct {
	cfg     config.ExecutorConfig
	cache   *cache.Cache
	pools   *pool.Manager
	metrics *metrics.Collector
	retry   RetryPolicy
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New creates an executor over the shared runtime components.
func New(cfg config.ExecutorConfig, c *cache.Cache, pools *pool.Manager, collector *metrics.Collector, log *zap.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		cache:   c,
		pools:   pools,
		metrics: collector,
		retry:   PolicyFromConfig(cfg),
		tracer:  otel.Tracer("tidepool/executor"),
		logger:  log.With(zap.String("component", "executor")),
	}
}

// ExecuteBatch runs requests with at most maxConcurrency in flight
// (the executor default when <= 0) and returns outcomes in submission
// order. The caller's context carries the optional batch deadline.
func (e *Executor) ExecuteBatch(ctx context.Context, requests []Request, maxConcurrency int) []metrics.RequestOutcome {
	if maxConcurrency <= 0 {
		maxConcurrency = e.cfg.MaxConcurrency
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	// Batch and connector IDs travel on the context so any logger below
	// this point picks them up.
	batchID := uuid.NewString()
	ctx = context.WithValue(ctx, logger.BatchIDKey, batchID)

	ctx, span := e.tracer.Start(ctx, "execute_batch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.Int("batch.size", len(requests)),
			attribute.Int("batch.max_concurrency", maxConcurrency),
		))
	defer span.End()

	outcomes := make([]metrics.RequestOutcome, len(requests))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i := range requests {
		// Claim a semaphore slot in submission order so queued requests
		// start FIFO. A batch deadline hit while queued still yields an
		// outcome for the request.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i] = e.timedOutOutcome(requests[i], 0, time.Now())
			e.metrics.Record(outcomes[i])
			continue
		}

		wg.Add(1)
		go func(idx int, r Request) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = e.execute(ctx, r)
			e.metrics.Record(outcomes[idx])
		}(i, requests[i])
	}

	wg.Wait()
	e.logger.Debug("batch complete",
		zap.String("batch_id", batchID),
		zap.Int("requests", len(requests)))
	return outcomes
}

// execute runs one request to completion: cache lookup, then attempts with
// backoff until success, a non-retryable failure, an exhausted retry
// budget, or batch cancellation.
func (e *Executor) execute(ctx context.Context, r Request) metrics.RequestOutcome {
	start := time.Now()

	ctx = context.WithValue(ctx, logger.ConnectorKey, r.ConnectorID)
	ctx, span := e.tracer.Start(ctx, "request",
		trace.WithAttributes(
			attribute.String("connector_id", r.ConnectorID),
			attribute.String("operation", r.Operation),
		))
	defer span.End()

	var key string
	if r.Operation != "" {
		key = cache.Key(r.Operation, r.Args...)
		if value, ok := e.cache.Get(key); ok {
			return metrics.RequestOutcome{
				ConnectorID: r.ConnectorID,
				Timestamp:   time.Now(),
				Duration:    time.Since(start),
				Success:     true,
				Bytes:       int64(len(value)),
				CacheHit:    true,
			}
		}
	}

	maxRetries := r.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retry.Delay(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return e.timedOutOutcome(r, attempt-1, start)
			case <-timer.C:
			}
			logger.WithContext(ctx).Debug("retrying request",
				zap.String("operation", r.Operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
		}

		value, err := e.attempt(ctx, r)
		if err == nil {
			if key != "" {
				e.cache.Set(key, value, r.TTL)
			}
			return metrics.RequestOutcome{
				ConnectorID: r.ConnectorID,
				Timestamp:   time.Now(),
				Duration:    time.Since(start),
				Success:     true,
				Bytes:       int64(len(value)),
				Retries:     attempt,
			}
		}

		lastErr = err
		if ctx.Err() != nil {
			return e.timedOutOutcome(r, attempt, start)
		}
		if !errors.IsRetryable(err) {
			return e.failureOutcome(r, attempt, start, lastErr)
		}
	}

	return e.failureOutcome(r, maxRetries, start, lastErr)
}

// attempt acquires a pooled client, runs the fetch with the per-attempt
// timeout, and releases the client. The client is never held across the
// backoff sleep.
func (e *Executor) attempt(ctx context.Context, r Request) ([]byte, error) {
	client, err := e.pools.Acquire(ctx, r.ConnectorID)
	if err != nil {
		return nil, err
	}
	defer e.pools.Release(client)

	attemptCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	value, err := r.Fetch(attemptCtx, client)
	if err != nil {
		// Connection failures poison the client; the pool discards it on
		// release and replaces it lazily.
		if errors.IsType(err, errors.ErrorTypeConnection) {
			client.MarkUnhealthy()
		}
		// A per-attempt deadline is transient even when the fetch returned
		// an untyped error.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !errors.IsRetryable(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "attempt timed out")
		}
		return nil, err
	}
	return value, nil
}

func (e *Executor) failureOutcome(r Request, retries int, start time.Time, err error) metrics.RequestOutcome {
	o := metrics.RequestOutcome{
		ConnectorID: r.ConnectorID,
		Timestamp:   time.Now(),
		Duration:    time.Since(start),
		Retries:     retries,
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func (e *Executor) timedOutOutcome(r Request, retries int, start time.Time) metrics.RequestOutcome {
	return metrics.RequestOutcome{
		ConnectorID: r.ConnectorID,
		Timestamp:   time.Now(),
		Duration:    time.Since(start),
		Retries:     retries,
		TimedOut:    true,
		Error:       "batch deadline exceeded",
	}
}
