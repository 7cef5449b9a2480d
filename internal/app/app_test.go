package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minewater/internal/config"
	apperrors "minewater/internal/errors"
	"minewater/internal/infrastructure"
	"minewater/internal/license"
	"minewater/internal/verifier"
	"minewater/pkg/contracts/domain"
)

const testKey = "MWB-AB12-CD34-EF56"

type fixedMachine domain.HardwareSnapshot

func (f fixedMachine) Capture(context.Context) domain.HardwareSnapshot {
	return domain.HardwareSnapshot(f).Clone()
}

var siteMachine = fixedMachine{
	"board_serial": "BRD-7731",
	"product_uuid": "5f2c9a10-3d1e-4c8b-9a77-0c1d2e3f4a5b",
	"disk_serial":  "WD-WX31A",
	"mac_address":  "00:1a:2b:3c:4d:5e",
	"hostname":     "pit-office-01",
}

// signingServer is a minimal license service answering with EdDSA tokens
type signingServer struct {
	*httptest.Server
	pub  ed25519.PublicKey
	down atomic.Bool
}

func newSigningServer(t *testing.T, appID string) *signingServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s := &signingServer{pub: pub}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			RequestID  string `json:"request_id"`
			LicenseKey string `json:"license_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, verifier.Claims{
			Status:      "active",
			GraceWindow: int64((7 * 24 * time.Hour).Seconds()),
			RequestID:   req.RequestID,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   req.LicenseKey,
				Audience:  jwt.ClaimStrings{appID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}).SignedString(priv)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	t.Cleanup(s.Close)
	return s
}

func testConfig(t *testing.T, server *signingServer) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.VerifyURL = server.URL
	cfg.Server.PublicKey = base64.StdEncoding.EncodeToString(server.pub)
	cfg.Server.RetryMax = 0
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "data", "license.db")
	cfg.Logging.AuditPath = filepath.Join(dir, "logs", "license_audit.jsonl")
	cfg.Telemetry.MetricExporter = "none"
	cfg.Telemetry.EnableMetrics = false
	cfg.Status.Listen = "127.0.0.1:0"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	application, err := New(context.Background(), cfg,
		infrastructure.NewLogger(io.Discard, "debug"),
		WithFingerprinter(siteMachine),
	)
	require.NoError(t, err)
	return application
}

func TestApplicationLifecycle(t *testing.T) {
	ctx := context.Background()
	server := newSigningServer(t, config.DefaultAppID)
	cfg := testConfig(t, server)

	application := newTestApp(t, cfg)

	decision, err := application.Startup(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotActivated)
	assert.False(t, decision.Allowed)
	assert.NotEmpty(t, decision.Message)

	decision, err = application.Manager.Activate(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = application.Startup(ctx)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Online)

	server.down.Store(true)
	decision, err = application.Startup(ctx)
	require.NoError(t, err, "offline start inside the grace window")
	assert.False(t, decision.Online)
	assert.Equal(t, 6, decision.Expiry.DaysRemaining)

	require.NoError(t, application.Close(ctx))

	// state survives a restart
	reopened := newTestApp(t, cfg)
	defer reopened.Close(ctx)
	summary := reopened.Manager.StatusSummary(ctx)
	assert.True(t, summary.Activated)
	assert.Equal(t, domain.LicenseStatusActive, summary.Status)
	assert.NotContains(t, summary.LicenseKey, "CD34")

	entries, err := license.ReadAuditEntries(cfg.Logging.AuditPath)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, license.AuditActivated, entries[0].Action)
}

func TestApplicationRunStopsOnCancel(t *testing.T) {
	server := newSigningServer(t, config.DefaultAppID)
	application := newTestApp(t, testConfig(t, server))
	defer application.Close(context.Background())
	require.NotNil(t, application.Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
	}
}

func TestNewRejectsBadServerKey(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Server.PublicKey = "bm90LWEta2V5"
	cfg.Telemetry.EnableMetrics = false

	_, err := New(context.Background(), cfg, infrastructure.NewLogger(io.Discard, "error"))
	assert.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default().License
	policy := PolicyFromConfig(cfg)

	assert.Equal(t, 7*24*time.Hour, policy.GraceWindow)
	assert.Equal(t, 5*time.Minute, policy.TamperTolerance)
	assert.Equal(t, 3, policy.ManualQuota)
	assert.Equal(t, 3, policy.MaxTransfers)
	assert.Equal(t, "Africa/Johannesburg", policy.Location.String())
}
