// Package model defines the per-request values passed between relay layers.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest is an inbound request buffered and ready to forward upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// RequestURI is the path plus raw query exactly as it appeared on the
	// inbound request line.
	RequestURI string
	Header     http.Header
	// Body is nil or empty when the inbound request had no body.
	Body []byte
}

// ProxyResponse is a fully buffered upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PingResult reports the outcome of a warm-up call to the upstream health route.
type PingResult struct {
	Upstream       string `json:"upstream"`
	Reachable      bool   `json:"-"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	LatencyMillis  int64  `json:"latency_ms"`
	Error          string `json:"error,omitempty"`
}
