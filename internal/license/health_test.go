package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minewater/pkg/contracts/domain"
)

func newHealthManager(t *testing.T, store *fakeStore, hw domain.HardwareSnapshot) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock(t0)
	m, err := NewManager(Dependencies{
		Store:         store,
		Verifier:      &fakeVerifier{clock: clock, result: onlineResult()},
		Fingerprinter: &fakeFingerprinter{snapshot: hw},
		Clock:         clock,
	}, DefaultPolicy())
	require.NoError(t, err)
	return m, clock
}

func TestHealthCheck(t *testing.T) {
	t.Run("not activated is degraded", func(t *testing.T) {
		m, _ := newHealthManager(t, &fakeStore{}, siteMachine())
		res := NewLicenseHealthCheck(m, time.Second).PerformHealthCheck(context.Background())
		assert.Equal(t, HealthStatusDegraded, res.OverallStatus)
		assert.Len(t, res.Components, 3)
		assert.Equal(t, HealthStatusHealthy, res.Components["fingerprint"].Status)
	})

	t.Run("activated and online is healthy", func(t *testing.T) {
		m, _ := newHealthManager(t, &fakeStore{}, siteMachine())
		_, err := m.Activate(context.Background(), testKey)
		require.NoError(t, err)

		res := NewLicenseHealthCheck(m, time.Second).PerformHealthCheck(context.Background())
		assert.Equal(t, HealthStatusHealthy, res.OverallStatus, res.Message)
	})

	t.Run("unreadable store is unhealthy", func(t *testing.T) {
		m, _ := newHealthManager(t, &fakeStore{loadErr: errors.New("database is locked")}, siteMachine())
		res := NewLicenseHealthCheck(m, 0).PerformHealthCheck(context.Background())
		assert.Equal(t, HealthStatusUnhealthy, res.OverallStatus)
		assert.Equal(t, "database is locked", res.Components["license_store"].Error)
	})

	t.Run("no hardware identifiers is unhealthy", func(t *testing.T) {
		m, _ := newHealthManager(t, &fakeStore{}, nil)
		res := NewLicenseHealthCheck(m, time.Second).PerformHealthCheck(context.Background())
		assert.Equal(t, HealthStatusUnhealthy, res.Components["fingerprint"].Status)
	})
}
