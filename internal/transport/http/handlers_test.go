package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minewater/internal/config"
	apperrors "minewater/internal/errors"
	"minewater/internal/infrastructure"
	"minewater/internal/license"
	"minewater/pkg/contracts/domain"
)

type fakeLicenseService struct {
	summary   license.Summary
	decision  license.Decision
	err       error
	activated string
	calls     []string
}

func (f *fakeLicenseService) StatusSummary(context.Context) license.Summary {
	f.calls = append(f.calls, "status")
	return f.summary
}

func (f *fakeLicenseService) RequestManualVerification(context.Context) (license.Decision, error) {
	f.calls = append(f.calls, "verify")
	return f.decision, f.err
}

func (f *fakeLicenseService) Activate(_ context.Context, key string) (license.Decision, error) {
	f.calls = append(f.calls, "activate")
	f.activated = key
	return f.decision, f.err
}

func (f *fakeLicenseService) RequestTransfer(context.Context) (license.Decision, error) {
	f.calls = append(f.calls, "transfer")
	return f.decision, f.err
}

type fakeHealth struct {
	status license.HealthStatus
}

func (f fakeHealth) PerformHealthCheck(context.Context) *license.HealthCheckResult {
	return &license.HealthCheckResult{OverallStatus: f.status, Components: map[string]*license.ComponentHealth{}}
}

func newTestRouter(t *testing.T, svc LicenseService, health HealthChecker, telemetry *infrastructure.OTelProviders) http.Handler {
	t.Helper()
	h, err := NewRouter(RouterDeps{
		License:   svc,
		Health:    health,
		Telemetry: telemetry,
		Logger:    infrastructure.NewLogger(io.Discard, "debug"),
	})
	require.NoError(t, err)
	return h
}

func localRequest(method, target, body string) *http.Request {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.RemoteAddr = "127.0.0.1:53211"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestLicenseStatus(t *testing.T) {
	svc := &fakeLicenseService{summary: license.Summary{
		Activated:             true,
		Status:                domain.LicenseStatusActive,
		Online:                true,
		LicenseKey:            "MWB-****-EF56",
		DaysRemaining:         6,
		ManualChecksRemaining: 3,
		Message:               "License active",
	}}
	router := newTestRouter(t, svc, fakeHealth{status: license.HealthStatusHealthy}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, localRequest(http.MethodGet, "/license/status", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["activated"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(6), body["days_remaining"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLicenseVerify(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		svc := &fakeLicenseService{decision: license.Decision{Allowed: true, Online: true, Message: "License verified"}}
		router := newTestRouter(t, svc, fakeHealth{}, nil)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/verify", ""))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["allowed"])
	})

	t.Run("quota exceeded", func(t *testing.T) {
		svc := &fakeLicenseService{
			decision: license.Decision{Message: "Manual verification limit reached"},
			err:      apperrors.ErrQuotaExceeded,
		}
		router := newTestRouter(t, svc, fakeHealth{}, nil)

		req := localRequest(http.MethodPost, "/license/verify", "")
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, domain.ErrCodeQuotaExceeded, body["error_code"])
		assert.Equal(t, "Manual verification limit reached", body["message"])
		assert.Equal(t, "req-42", body["trace_id"])
	})

	t.Run("grace expired carries deadline", func(t *testing.T) {
		grace := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
		svc := &fakeLicenseService{
			decision: license.Decision{Expiry: license.ExpiryInfo{GraceUntil: &grace}},
			err:      apperrors.ErrNetworkTimeout,
		}
		router := newTestRouter(t, svc, fakeHealth{}, nil)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/verify", ""))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, domain.ErrCodeNetworkTimeout, body["error_code"])
		assert.Equal(t, "2026-03-09T08:00:00Z", body["grace_until"])
		assert.NotEmpty(t, body["message"], "fallback operator message")
	})
}

func TestLicenseActivate(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		svc := &fakeLicenseService{decision: license.Decision{Allowed: true, Message: "License activated"}}
		router := newTestRouter(t, svc, fakeHealth{}, nil)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/activate", `{"license_key":"MWB-AB12-CD34-EF56"}`))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "MWB-AB12-CD34-EF56", svc.activated)
	})

	for name, body := range map[string]string{
		"missing key": `{}`,
		"short key":   `{"license_key":"MWB-1"}`,
		"not json":    `license_key=MWB`,
	} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeLicenseService{}
			router := newTestRouter(t, svc, fakeHealth{}, nil)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/activate", body))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, domain.ErrCodeInvalidKey, decodeBody(t, rec)["error_code"])
			assert.Empty(t, svc.calls, "invalid requests never reach the manager")
		})
	}

	t.Run("rate limited", func(t *testing.T) {
		svc := &fakeLicenseService{err: apperrors.ErrRateLimited}
		router := newTestRouter(t, svc, fakeHealth{}, nil)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/activate", `{"license_key":"MWB-AB12-CD34-EF56"}`))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestLicenseTransfer(t *testing.T) {
	svc := &fakeLicenseService{err: apperrors.ErrTransferLimit}
	router := newTestRouter(t, svc, fakeHealth{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, localRequest(http.MethodPost, "/license/transfer", ""))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"transfer"}, svc.calls)
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		status license.HealthStatus
		want   int
	}{
		{license.HealthStatusHealthy, http.StatusOK},
		{license.HealthStatusDegraded, http.StatusOK},
		{license.HealthStatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			router := newTestRouter(t, &fakeLicenseService{}, fakeHealth{status: tt.status}, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, localRequest(http.MethodGet, "/health", ""))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRejectsRemoteClients(t *testing.T) {
	svc := &fakeLicenseService{}
	router := newTestRouter(t, svc, fakeHealth{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/license/verify", nil)
	req.RemoteAddr = "10.20.0.7:40112"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.calls)
}

func TestMetricsEndpoint(t *testing.T) {
	providers, err := infrastructure.InitializeOTel(config.TelemetryConfig{
		Environment:    "test",
		EnableMetrics:  true,
		MetricExporter: "prometheus",
		TraceExporter:  "none",
		SampleRatio:    1,
	}, infrastructure.NewLogger(io.Discard, "error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = providers.Shutdown(context.Background()) })

	router := newTestRouter(t, &fakeLicenseService{}, fakeHealth{status: license.HealthStatusHealthy}, providers)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, localRequest(http.MethodGet, "/license/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, localRequest(http.MethodGet, "/metrics", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerServesUntilCancelled(t *testing.T) {
	svc := &fakeLicenseService{summary: license.Summary{Message: "No license activated"}}
	router := newTestRouter(t, svc, fakeHealth{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(config.StatusConfig{
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/license/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
