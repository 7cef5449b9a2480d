package license

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAuditorAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "license_audit.jsonl")
	a := NewFileAuditor(path)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, AuditEntry{
		Timestamp:      t0,
		Action:         AuditActivated,
		LicenseKey:     MaskLicenseKey(testKey),
		LicenseKeyHash: hashLicenseKey(testKey),
	}))
	require.NoError(t, a.Record(ctx, AuditEntry{
		Timestamp: t0.Add(time.Hour),
		Action:    AuditTimeTampered,
		Details:   map[string]string{"now": "2026-03-02T08:50:00Z"},
	}))

	entries, err := ReadAuditEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditActivated, entries[0].Action)
	assert.Equal(t, "MWB-****EF56", entries[0].LicenseKey)
	assert.Equal(t, AuditTimeTampered, entries[1].Action)
	assert.Equal(t, "2026-03-02T08:50:00Z", entries[1].Details["now"])
}

func TestFileAuditorConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a := NewFileAuditor(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Record(context.Background(), AuditEntry{Timestamp: t0, Action: AuditStatusChanged}))
		}()
	}
	wg.Wait()

	entries, err := ReadAuditEntries(path)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestManagerAuditEntriesMaskKey(t *testing.T) {
	auditor := &fakeAuditor{}
	clock := newFakeClock(t0)
	m, err := NewManager(Dependencies{
		Store:         &fakeStore{},
		Verifier:      &fakeVerifier{clock: clock, result: onlineResult()},
		Fingerprinter: &fakeFingerprinter{snapshot: siteMachine()},
		Clock:         clock,
		Auditor:       auditor,
	}, DefaultPolicy())
	require.NoError(t, err)

	_, err = m.Activate(context.Background(), testKey)
	require.NoError(t, err)

	require.Len(t, auditor.entries, 1)
	e := auditor.entries[0]
	assert.NotContains(t, e.LicenseKey, "AB12")
	assert.Equal(t, hashLicenseKey(testKey), e.LicenseKeyHash)
	assert.True(t, e.Timestamp.Equal(t0))
}
