// handlers_health.go - Health check handlers
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	started time.Time
	loads   LoadManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, loads LoadManager) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		started: time.Now(),
		loads:   loads,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":        "ok",
		"version":       h.version,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	}
	if h.loads != nil {
		resp["loads"] = len(h.loads.ListLoads())
	}
	return c.JSON(http.StatusOK, resp)
}
