// middleware.go - Request logging and metrics middleware
package api

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/observability"
)

// quietPath reports requests polled often enough to drown the log.
func quietPath(path string) bool {
	return path == "/api/health" ||
		strings.HasSuffix(path, "/keepalive") ||
		strings.HasPrefix(path, "/api/uploads/")
}

// RequestLogger attaches a request-scoped logger to every request and logs
// completed requests through it.
func RequestLogger(base logging.Logger, enabled bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, log := logging.WithRequestLogger(req.Context(), base)
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			if enabled && !quietPath(req.URL.Path) {
				log.Info(ctx, "request",
					logging.String("method", req.Method),
					logging.String("path", req.URL.Path),
					logging.Int("status", c.Response().Status),
					logging.Any("duration_ms", time.Since(start).Milliseconds()))
			}
			return nil
		}
	}
}

// Metrics records request counts and latencies by route pattern.
func Metrics(collector *observability.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			collector.ObserveHTTP(c.Request().Method, c.Path(), c.Response().Status, time.Since(start))
			return nil
		}
	}
}
