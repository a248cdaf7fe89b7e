// Package client provides the outbound HTTP client for the analytics backend.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"rift-relay/internal/config"
	"rift-relay/internal/metrics"
	"rift-relay/internal/model"
)

// ErrResponseTooLarge is returned when the upstream body exceeds the configured limit.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// UpstreamClient sends requests to the backend. Redirects are never followed;
// a 3xx response is returned to the caller as is.
type UpstreamClient struct {
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
	maxResponseBytes int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:           logger.With("component", "upstream_client"),
		metrics:          m,
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
	}
}

// Do executes req and buffers the whole response body. The upstream
// connection is released before Do returns.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observeFailure(method, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	if err != nil {
		c.observeFailure(method, start)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		c.metrics.UpstreamBytes.WithLabelValues("received").Add(float64(len(body)))
		if req.ContentLength > 0 {
			c.metrics.UpstreamBytes.WithLabelValues("sent").Add(float64(req.ContentLength))
		}
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Send builds a request from its parts and executes it. An empty body is
// sent as no body at all rather than a zero-length one. host, when set,
// overrides the Host header of the outbound request.
func (c *UpstreamClient) Send(ctx context.Context, method, url, host string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	if host != "" {
		req.Host = host
	}

	return c.Do(req)
}

// readBody reads at most maxResponseBytes, failing rather than truncating.
func (c *UpstreamClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxResponseBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

func (c *UpstreamClient) observeFailure(method string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamFailures.WithLabelValues(method).Inc()
}
