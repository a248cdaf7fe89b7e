package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"rift-relay/internal/client"
	"rift-relay/internal/model"
	"rift-relay/internal/service"
)

// RelayHandler forwards /api/* calls to the analytics backend.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle buffers the inbound body, forwards the request upstream and writes
// the buffered upstream response back. Nothing is written to the caller until
// the upstream response has been read in full.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			// BodyLimit rejects oversized uploads through the body reader.
			return he
		}
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	// req.RequestURI holds the raw request target, which is a full URL when
	// the request line uses absolute form. The parsed URL keeps the escaped
	// path and raw query as sent.
	requestURI := req.URL.RequestURI()

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		RequestURI: requestURI,
		Header:     req.Header,
		Body:       body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if len(resp.Body) == 0 {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		// Status is already sent; the caller sees a truncated body.
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// Warmup pings the upstream health route so a sleeping backend starts
// before the dashboard sends real work.
func (h *RelayHandler) Warmup(c echo.Context) error {
	res := h.service.Ping(c.Request().Context())
	if !res.Reachable {
		return c.JSON(http.StatusBadGateway, struct {
			Status string `json:"status"`
			*model.PingResult
		}{"unreachable", res})
	}
	return c.JSON(http.StatusOK, struct {
		Status string `json:"status"`
		*model.PingResult
	}{"ok", res})
}

// mapError turns a forwarding failure into a 502 with a short diagnosis.
func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"upstream", h.origin(),
	)

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":    describeError(err),
		"upstream": h.origin(),
	})
}

func (h *RelayHandler) origin() string {
	if h.service == nil {
		return ""
	}
	return h.service.Origin()
}

func describeError(err error) string {
	if errors.Is(err, client.ErrResponseTooLarge) {
		return "upstream response too large"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "upstream request timed out"
		}
		return "upstream connection failed"
	}

	return "upstream request failed"
}
