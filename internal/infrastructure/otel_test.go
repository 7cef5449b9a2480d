package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"minewater/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitialization(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.EnableTracing = true
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelDisabledUsesNoop(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.EnableMetrics = false
	cfg.EnableTracing = false

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)

	assert.Nil(t, providers.MeterProvider)
	require.NotNil(t, providers.Meter)

	metrics, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.Record(context.Background(), http.MethodGet, "/license/status", 200, time.Millisecond)

	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestOTelUnsupportedExporter(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricExporter = "graphite"

	_, err := InitializeOTel(cfg, quietLogger())
	assert.Error(t, err)
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(config.Default().Telemetry, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.Record(context.Background(), http.MethodGet, "/license/status", 200, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestPrometheusRegistriesAreIsolated(t *testing.T) {
	first, err := InitializeOTel(config.Default().Telemetry, quietLogger())
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	second, err := InitializeOTel(config.Default().Telemetry, quietLogger())
	require.NoError(t, err)
	defer second.Shutdown(context.Background())
}

func TestTraceCorrelation(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.EnableTracing = true
	cfg.TraceExporter = "stdout"
	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-operation")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))

	AddSpanEvent(ctx, "license.check", map[string]interface{}{"result": "ok", "count": 1})
	RecordError(ctx, assert.AnError)
}

func TestTraceIDFromContextFallsBackToLoggingID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "local-id")
	assert.Equal(t, "local-id", TraceIDFromContext(ctx))
}
