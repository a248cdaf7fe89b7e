package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rift-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes. It never calls upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// relayStatus is the /proxy/status body. It reports configuration only and
// never calls upstream; /warmup is the route that touches the backend.
type relayStatus struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UpstreamURL      string `json:"upstream_url"`
	HealthPath       string `json:"health_path"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	BodyMaxBytes     int64  `json:"body_max_bytes"`
	MaxResponseBytes int64  `json:"max_response_bytes"`
	MetricsEnabled   bool   `json:"metrics_enabled"`
	RateLimited      bool   `json:"rate_limited"`
}

// Status reports the relay's version, upstream origin and limits.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:           "ok",
		Version:          string(h.version),
		UpstreamURL:      h.cfg.Upstream.BaseURL,
		HealthPath:       h.cfg.Upstream.HealthPath,
		TimeoutSeconds:   h.cfg.Upstream.TimeoutSeconds,
		BodyMaxBytes:     h.cfg.Server.BodyMaxBytes,
		MaxResponseBytes: h.cfg.Upstream.MaxResponseBytes,
		MetricsEnabled:   h.cfg.Metrics.Enabled,
		RateLimited:      h.cfg.Server.RateLimit.Enabled,
	})
}
