package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	preflightAllowMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"
	preflightAllowHeaders = "Content-Type, Authorization, Accept, X-Requested-With, Ngrok-Skip-Browser-Warning"
	preflightMaxAge       = "86400"
)

// CORS returns an Echo middleware that lets any origin read relay responses.
// The wildcard Access-Control-Allow-Origin header is set before the handler
// runs so error responses carry it as well. Pre-flight OPTIONS requests are
// answered with 200 here and never reach a handler.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")

			if c.Request().Method != http.MethodOptions {
				return next(c)
			}

			h.Set(echo.HeaderAccessControlAllowMethods, preflightAllowMethods)
			if requested := c.Request().Header.Get(echo.HeaderAccessControlRequestHeaders); requested != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, requested)
			} else {
				h.Set(echo.HeaderAccessControlAllowHeaders, preflightAllowHeaders)
			}
			h.Set(echo.HeaderAccessControlMaxAge, preflightMaxAge)
			return c.NoContent(http.StatusOK)
		}
	}
}
