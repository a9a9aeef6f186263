// Package clients provides the reusable keep-alive HTTP clients handed out
// by the connection pool manager.
package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/errors"
)

// Client is a pooled, reusable HTTP client. A client that has observed a
// terminal transport error is marked unhealthy; the pool discards it on
// release and replaces it lazily on the next acquire.
type Client struct {
	connectorID string
	httpClient  *http.Client
	transport   *http.Transport
	limiter     *TokenBucket
	logger      *zap.Logger

	healthy       int32 // 1 healthy, 0 terminal
	totalRequests int64
	failedReqs    int64
}

// New creates a keep-alive client for a connector. The transport is tuned
// per the pool configuration; HTTP/2 is enabled when configured.
func New(connectorID string, cfg config.PoolConfig, logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	c := &Client{
		connectorID: connectorID,
		transport:   transport,
		logger:      logger.With(zap.String("component", "http_client"), zap.String("connector_id", connectorID)),
		healthy:     1,
	}

	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			c.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = NewTokenBucket(cfg.RateLimitPerSec, burst)
	}

	return c
}

// ConnectorID returns the connector this client serves.
func (c *Client) ConnectorID() string {
	return c.connectorID
}

// Do performs an HTTP request, honoring the connector's rate limit. Network
// failures are reported as typed connection errors; the client marks itself
// unhealthy on terminal transport errors so the pool replaces it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit wait cancelled")
		}
	}

	atomic.AddInt64(&c.totalRequests, 1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedReqs, 1)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
		}
		c.MarkUnhealthy()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	return resp, nil
}

// Get performs a GET request with optional headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "tidepool/1.0 "+c.connectorID)
	}
	return c.Do(req)
}

// Post performs a POST request with optional headers.
func (c *Client) Post(ctx context.Context, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// Healthy reports whether the client is still usable.
func (c *Client) Healthy() bool {
	return atomic.LoadInt32(&c.healthy) == 1
}

// MarkUnhealthy flags the client as terminally broken.
func (c *Client) MarkUnhealthy() {
	if atomic.CompareAndSwapInt32(&c.healthy, 1, 0) {
		c.logger.Debug("client marked unhealthy",
			zap.Int64("total_requests", atomic.LoadInt64(&c.totalRequests)))
	}
}

// Close tears down the client's idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}
