package license

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"minewater/internal/security"
	"minewater/pkg/contracts/domain"
)

// benchVerifier answers without recording requests
type benchVerifier struct {
	clock  Clock
	online bool
}

func (v benchVerifier) Verify(context.Context, domain.VerificationRequest) (*domain.VerificationResult, error) {
	if !v.online {
		return nil, errOffline
	}
	return &domain.VerificationResult{Status: domain.LicenseStatusActive, ServerTime: v.clock.Now()}, nil
}

func setupBenchmark(b *testing.B, online bool) *Manager {
	b.Helper()
	clock := newFakeClock(t0)
	grace := t0.Add(3 * 24 * time.Hour)
	last := t0.Add(-4 * 24 * time.Hour)
	store := &fakeStore{rec: &domain.LicenseRecord{
		LicenseKey:        "MWBAB12CD34EF56",
		Status:            domain.LicenseStatusActive,
		OfflineGraceUntil: &grace,
		LastOnlineCheck:   &last,
		HardwareSnapshot:  siteMachine(),
		ActivatedAt:       t0.Add(-30 * 24 * time.Hour),
	}}

	m, err := NewManager(Dependencies{
		Store:         store,
		Verifier:      benchVerifier{clock: clock, online: online},
		Fingerprinter: &fakeFingerprinter{snapshot: siteMachine()},
		Clock:         clock,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, DefaultPolicy())
	if err != nil {
		b.Fatal(err)
	}
	return m
}

func BenchmarkValidateStartupOffline(b *testing.B) {
	m := setupBenchmark(b, false)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		if _, err := m.ValidateStartup(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkValidateStartupOnline(b *testing.B) {
	m := setupBenchmark(b, true)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		if _, err := m.ValidateStartup(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStatusSummaryParallel(b *testing.B) {
	m := setupBenchmark(b, false)
	ctx := context.Background()

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = m.StatusSummary(ctx)
		}
	})
}

func BenchmarkSimilarity(b *testing.B) {
	ref := siteMachine()
	current := siteMachine()
	current[security.ComponentHostname] = "pit-office-02"

	b.ReportAllocs()
	for b.Loop() {
		_ = security.Similarity(current, ref)
	}
}
