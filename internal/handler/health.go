package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Probe reports the lifecycle state of the coordinator.
type Probe interface {
	Ready() bool
	Alive() bool
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	probe Probe
}

// NewHealthHandler returns a handler over p.
func NewHealthHandler(p Probe) *HealthHandler { return &HealthHandler{probe: p} }

// Live handles GET /healthz: 200 while heartbeats succeed.
func (h *HealthHandler) Live(c echo.Context) error {
	if !h.probe.Alive() {
		return c.String(http.StatusServiceUnavailable, "heartbeat stale")
	}
	return c.String(http.StatusOK, "ok")
}

// Ready handles GET /readyz: 200 between Start and Shutdown.
func (h *HealthHandler) Ready(c echo.Context) error {
	if !h.probe.Ready() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.String(http.StatusOK, "ready")
}

// RequireReady answers 503 while the probe is not ready.
func RequireReady(p Probe) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.Ready() {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "unavailable"})
			}
			return next(c)
		}
	}
}
