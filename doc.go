// Package tidepool is an adaptive performance and resilience layer for
// data-ingestion connectors.
//
// Connectors that pull from slow or rate-limited upstream APIs share a set
// of infrastructure concerns: caching repeated fetches, bounding concurrent
// connections, retrying transient failures, and knowing when a source has
// degraded. Tidepool packages those concerns behind a small set of
// composable components:
//
//	pkg/cache    - TTL cache with LRU eviction, memoization, and compression
//	pkg/pool     - per-connector bounded pools of reusable HTTP clients
//	pkg/executor - batch dispatch with bounded concurrency and retry/backoff
//	pkg/metrics  - rolling per-connector request statistics and Prometheus export
//	pkg/alerts   - threshold rules evaluated against the rolling metrics
//	pkg/scoring  - weighted performance scores, categories, and rankings
//	pkg/runtime  - wires the components into one lifecycle-managed unit
//
// The internal/httpapi package serves the dashboard endpoints
// (/performance/metrics, /performance/connectors, /performance/dashboard,
// /performance/alerts) plus /healthz and the Prometheus scrape target.
//
// # Quick start
//
//	cfg := config.Default()
//	rt, err := runtime.New(cfg, logger.Get())
//	if err != nil {
//	    return err
//	}
//	rt.Start()
//	defer rt.Close()
//
//	outcomes := rt.Executor.ExecuteBatch(ctx, []executor.Request{{
//	    ConnectorID: "copernicus",
//	    Operation:   "list_observations",
//	    Args:        []string{"station-1"},
//	    Fetch: func(ctx context.Context, client *clients.Client) ([]byte, error) {
//	        resp, err := client.Get(ctx, observationsURL, nil)
//	        if err != nil {
//	            return nil, err
//	        }
//	        defer resp.Body.Close()
//	        return io.ReadAll(resp.Body)
//	    },
//	}}, 10)
//
// Configuration is a single YAML file loaded over defaults; ${VAR_NAME}
// values are substituted from the environment. See pkg/config.
package tidepool
