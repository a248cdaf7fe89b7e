// Package service implements the request and response rewriting of the relay.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rift-relay/internal/client"
	"rift-relay/internal/config"
	"rift-relay/internal/model"
)

const (
	userAgent = "rift-relay/1.0"

	// bypassHeader suppresses the tunneling service's interstitial warning
	// page, which would otherwise replace API responses with HTML.
	bypassHeader = "Ngrok-Skip-Browser-Warning"
	bypassValue  = "true"
)

// droppedRequestHeaders never travel upstream verbatim.
var droppedRequestHeaders = []string{
	"Host",
	"Connection",
	"Transfer-Encoding",
}

// droppedResponseHeaders never travel back to the caller.
var droppedResponseHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// Upstream performs the single outbound call of a forwarded request.
type Upstream interface {
	Send(ctx context.Context, method, url, host string, header http.Header, body []byte) (*model.ProxyResponse, error)
}

// RelayService rewrites inbound requests for the backend and the backend's
// responses for the caller.
type RelayService struct {
	upstream   Upstream
	logger     *slog.Logger
	origin     string
	host       string
	healthPath string
}

// NewRelayService creates a RelayService for the configured upstream origin.
func NewRelayService(up *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	return newRelayService(up, cfg, logger)
}

func newRelayService(up Upstream, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	origin := strings.TrimRight(cfg.Upstream.BaseURL, "/")
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	healthPath := cfg.Upstream.HealthPath
	if healthPath == "" {
		healthPath = "/api/health"
	}

	return &RelayService{
		upstream:   up,
		logger:     logger.With("component", "relay_service"),
		origin:     origin,
		host:       u.Host,
		healthPath: healthPath,
	}, nil
}

// Origin returns the upstream origin requests are forwarded to.
func (s *RelayService) Origin() string {
	return s.origin
}

// Forward sends pr to the upstream origin and returns the filtered response.
// Any upstream status code, including 3xx, 4xx and 5xx, is a successful
// forward; an error means no usable response was obtained.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.buildUpstreamURL(pr.RequestURI)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"uri", pr.RequestURI,
		"body_bytes", len(pr.Body),
	)

	resp, err := s.upstream.Send(pr.Ctx, pr.Method, target, s.host, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// Ping calls the upstream health route once. Transport failures are
// reported in the result rather than as an error.
func (s *RelayService) Ping(ctx context.Context) *model.PingResult {
	header := s.filterRequestHeaders(http.Header{"Accept": {"application/json"}})

	start := time.Now()
	resp, err := s.upstream.Send(ctx, http.MethodGet, s.buildUpstreamURL(s.healthPath), s.host, header, nil)
	result := &model.PingResult{
		Upstream:      s.origin,
		LatencyMillis: time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.logger.Warn("warm-up ping failed", "err", err)
		result.Error = err.Error()
		return result
	}

	result.Reachable = true
	result.UpstreamStatus = resp.StatusCode
	s.logger.Info("warm-up ping",
		"upstream_status", resp.StatusCode,
		"latency_ms", result.LatencyMillis,
	)
	return result
}

// buildUpstreamURL appends the inbound path and raw query to the origin unchanged.
func (s *RelayService) buildUpstreamURL(requestURI string) string {
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	return s.origin + requestURI
}

func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dropHeaders(dst, droppedRequestHeaders)
	dropHeaders(dst, []string{bypassHeader, "User-Agent"})
	dst.Set(bypassHeader, bypassValue)
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *RelayService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dropHeaders(dst, droppedResponseHeaders)
	dropHeaders(dst, []string{"Access-Control-Allow-Origin"})
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}

// dropHeaders removes names from h, matching keys case-insensitively even
// when h was built with non-canonical keys.
func dropHeaders(h http.Header, names []string) {
	for key := range h {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				delete(h, key)
				break
			}
		}
	}
}
