package http

import (
	"context"
	"net/http"

	"github.com/go-chi/render"

	"minewater/internal/license"
	"minewater/pkg/contracts"
)

// HealthChecker runs the license component checks
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) *license.HealthCheckResult
}

// HealthHandler handles health requests
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// HealthCheck handles GET /health. Unhealthy answers use 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	result := h.checker.PerformHealthCheck(r.Context())
	if result.OverallStatus == license.HealthStatusUnhealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}

// Version handles GET /version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
