package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"minewater/internal/infrastructure"
	"minewater/pkg/contracts/domain"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the aggregated license health
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// LicenseHealthCheck reports the health of the license subsystem
type LicenseHealthCheck struct {
	manager *Manager
	timeout time.Duration
}

// NewLicenseHealthCheck creates a health check bound to manager
func NewLicenseHealthCheck(manager *Manager, timeout time.Duration) *LicenseHealthCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LicenseHealthCheck{manager: manager, timeout: timeout}
}

// PerformHealthCheck runs all component checks concurrently
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.TraceIDFromContext(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"license_store": hc.checkStore,
		"grace_period":  hc.checkGrace,
		"fingerprint":   hc.checkFingerprint,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	results := make(chan checkResult, len(checks))
	for name, check := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			results <- checkResult{name: n, health: cf(checkCtx)}
		}(name, check)
	}
	for range checks {
		res := <-results
		result.Components[res.name] = res.health
	}

	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, len(result.Components))

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", len(result.Components)),
	)
	return result
}

func (hc *LicenseHealthCheck) checkStore(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Timestamp: start, Metadata: map[string]interface{}{}}

	rec, err := hc.manager.store.LoadRecord(ctx)
	health.Duration = time.Since(start).String()
	switch {
	case err != nil:
		health.Status = HealthStatusUnhealthy
		health.Message = "License store unreadable"
		health.Error = err.Error()
	case rec == nil:
		health.Status = HealthStatusDegraded
		health.Message = "No license activated"
		health.Metadata["activated"] = false
	default:
		health.Status = HealthStatusHealthy
		health.Message = "License record readable"
		health.Metadata["activated"] = true
		health.Metadata["status"] = string(rec.Status)
	}
	return health
}

func (hc *LicenseHealthCheck) checkGrace(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: map[string]interface{}{}}

	s := hc.manager.StatusSummary(ctx)
	health.Metadata["online"] = s.Online
	health.Metadata["days_remaining"] = s.DaysRemaining
	health.Message = s.Message

	switch {
	case !s.Activated || s.GraceUntil == nil:
		health.Status = HealthStatusDegraded
	case s.Status == domain.LicenseStatusRevoked || s.Status == domain.LicenseStatusExpired:
		health.Status = HealthStatusUnhealthy
	case !s.Online && s.DaysRemaining < 1:
		health.Status = HealthStatusDegraded
	default:
		health.Status = HealthStatusHealthy
	}
	return health
}

func (hc *LicenseHealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Timestamp: start, Metadata: map[string]interface{}{}}

	snapshot := hc.manager.hardware.Capture(ctx)
	health.Duration = time.Since(start).String()
	health.Metadata["components"] = len(snapshot)
	if len(snapshot) == 0 {
		health.Status = HealthStatusUnhealthy
		health.Message = "No hardware identifiers could be read"
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("%d hardware identifiers read", len(snapshot))
	return health
}

func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, total int) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", total)
	case HealthStatusDegraded:
		return "License system operational with degraded components"
	default:
		return "License system unhealthy"
	}
}
