package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "minewater/internal/errors"
)

const (
	TracerName = "minewater-license"
	MeterName  = "minewater-license"
)

// LicenseMetrics holds the license core's OpenTelemetry instruments
type LicenseMetrics struct {
	Operations        metric.Int64Counter
	OperationFailures metric.Int64Counter
	OperationDuration metric.Float64Histogram

	OfflineDecisions metric.Int64Counter
	TamperDetections metric.Int64Counter
	HardwareMismatch metric.Int64Counter
	ManualChecks     metric.Int64Counter
	RateLimitHits    metric.Int64Counter
	GraceHoursLeft   metric.Float64Gauge
	VerifierLatency  metric.Float64Histogram
	VerifierFailures metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	if m.Operations, err = meter.Int64Counter(
		"license_operations_total",
		metric.WithDescription("Total number of license operations by name"),
	); err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	if m.OperationFailures, err = meter.Int64Counter(
		"license_operation_failures_total",
		metric.WithDescription("Total number of license operations that were denied or failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	if m.OperationDuration, err = meter.Float64Histogram(
		"license_operation_duration_seconds",
		metric.WithDescription("License operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	if m.OfflineDecisions, err = meter.Int64Counter(
		"license_offline_decisions_total",
		metric.WithDescription("Startup decisions taken from the offline grace state"),
	); err != nil {
		return nil, fmt.Errorf("failed to create offline decisions counter: %w", err)
	}

	if m.TamperDetections, err = meter.Int64Counter(
		"license_time_tamper_total",
		metric.WithDescription("Clock rollbacks detected against the last online check"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tamper counter: %w", err)
	}

	if m.HardwareMismatch, err = meter.Int64Counter(
		"license_hardware_mismatch_total",
		metric.WithDescription("Startups refused because the hardware no longer matches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create hardware mismatch counter: %w", err)
	}

	if m.ManualChecks, err = meter.Int64Counter(
		"license_manual_checks_total",
		metric.WithDescription("Manual verification requests that consumed quota"),
	); err != nil {
		return nil, fmt.Errorf("failed to create manual checks counter: %w", err)
	}

	if m.RateLimitHits, err = meter.Int64Counter(
		"license_rate_limit_hits_total",
		metric.WithDescription("Activation attempts rejected by the rate limiter"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	if m.GraceHoursLeft, err = meter.Float64Gauge(
		"license_grace_hours_remaining",
		metric.WithDescription("Hours left in the offline grace period at the last decision"),
		metric.WithUnit("h"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grace gauge: %w", err)
	}

	if m.VerifierLatency, err = meter.Float64Histogram(
		"license_verifier_latency_seconds",
		metric.WithDescription("Round-trip time to the license server"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verifier latency histogram: %w", err)
	}

	if m.VerifierFailures, err = meter.Int64Counter(
		"license_verifier_failures_total",
		metric.WithDescription("License server calls that failed or timed out"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verifier failures counter: %w", err)
	}

	return m, nil
}

func (m *LicenseMetrics) recordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.Operations.Add(ctx, 1, attrs)
	m.OperationDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.OperationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("code", apperrors.Code(err)),
		))
	}
}

func (m *LicenseMetrics) recordVerifier(ctx context.Context, action string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.VerifierLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.VerifierFailures.Add(ctx, 1, attrs)
	}
}

func (m *LicenseMetrics) recordGrace(ctx context.Context, info ExpiryInfo) {
	if m == nil || info.GraceUntil == nil {
		return
	}
	m.GraceHoursLeft.Record(ctx, float64(info.DaysRemaining*24+info.HoursRemaining))
}

type licenseCounter int

const (
	counterOffline licenseCounter = iota
	counterTamper
	counterHardware
	counterManual
	counterRateLimit
)

func (m *LicenseMetrics) count(ctx context.Context, which licenseCounter) {
	if m == nil {
		return
	}
	var c metric.Int64Counter
	switch which {
	case counterOffline:
		c = m.OfflineDecisions
	case counterTamper:
		c = m.TamperDetections
	case counterHardware:
		c = m.HardwareMismatch
	case counterManual:
		c = m.ManualChecks
	case counterRateLimit:
		c = m.RateLimitHits
	}
	if c != nil {
		c.Add(ctx, 1)
	}
}

// trace runs fn inside a span and records metrics and an operation log line
func (m *Manager) trace(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "license."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("license.operation", operation)),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.Code(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	m.metrics.recordOperation(ctx, operation, duration, err)
	m.logOperation(ctx, operation, duration, err)
	return err
}
