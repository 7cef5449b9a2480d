package license

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "minewater/internal/errors"
	"minewater/internal/infrastructure"
	"minewater/pkg/contracts/domain"
)

// logOperation logs operation completion with its duration and outcome
func (m *Manager) logOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_code", apperrors.Code(err)),
		)
		m.logger.LogAttrs(ctx, operationLevel(err), "License operation denied", attrs...)
		return
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "License operation completed", attrs...)
}

// operationLevel keeps expected denials out of the error stream
func operationLevel(err error) slog.Level {
	switch apperrors.Code(err) {
	case "", domain.ErrCodeInternal:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// logAction logs a specific action with structured data and span correlation
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	all := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	}
	all = append(all, attrs...)
	m.logger.LogAttrs(ctx, level, result, all...)
}

// logLicenseAction logs an action tied to a license key without exposing it
func (m *Manager) logLicenseAction(ctx context.Context, level slog.Level, action, result, licenseKey string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.key_prefix", MaskLicenseKey(licenseKey)),
		)
	}

	keyAttrs := []slog.Attr{
		slog.String("license_key_masked", MaskLicenseKey(licenseKey)),
		slog.String("license_key_hash", hashLicenseKey(licenseKey)),
	}
	m.logAction(ctx, level, action, result, append(keyAttrs, attrs...)...)
}

// audit writes an entry to the audit trail. Failures are logged, never returned.
func (m *Manager) audit(ctx context.Context, action, licenseKey string, details map[string]string) {
	if m.auditor == nil {
		return
	}
	entry := AuditEntry{
		Timestamp:      m.clock.Now(),
		Action:         action,
		LicenseKey:     MaskLicenseKey(licenseKey),
		LicenseKeyHash: hashLicenseKey(licenseKey),
		TraceID:        infrastructure.TraceIDFromContext(ctx),
		Details:        details,
	}
	if err := m.auditor.Record(ctx, entry); err != nil {
		m.logger.WarnContext(ctx, "Failed to write license audit entry",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
