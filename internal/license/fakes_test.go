package license

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "minewater/internal/errors"
	"minewater/internal/security"
	"minewater/pkg/contracts/domain"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore keeps the record in memory and clones on every access
type fakeStore struct {
	mu      sync.Mutex
	rec     *domain.LicenseRecord
	saves   int
	loadErr error
	saveErr error
}

func (s *fakeStore) LoadRecord(context.Context) (*domain.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.rec.Clone(), nil
}

func (s *fakeStore) SaveRecord(_ context.Context, rec *domain.LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rec = rec.Clone()
	s.saves++
	return nil
}

func (s *fakeStore) get() *domain.LicenseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// fakeVerifier answers with a fixed result or error and records requests
type fakeVerifier struct {
	mu       sync.Mutex
	result   *domain.VerificationResult
	err      error
	requests []domain.VerificationRequest
	clock    Clock
}

func (v *fakeVerifier) Verify(ctx context.Context, req domain.VerificationRequest) (*domain.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	if v.err != nil {
		return nil, v.err
	}
	if v.result == nil {
		return nil, errOffline
	}
	res := *v.result
	if v.clock != nil {
		res.ServerTime = v.clock.Now()
	}
	return &res, nil
}

func (v *fakeVerifier) online(status domain.LicenseStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = nil
	v.result = &domain.VerificationResult{Status: status}
}

func (v *fakeVerifier) offline() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = errOffline
}

func (v *fakeVerifier) unknownKey() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = apperrors.ErrUnknownKey
}

func (v *fakeVerifier) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.requests)
}

func (v *fakeVerifier) last() domain.VerificationRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requests[len(v.requests)-1]
}

// fakeFingerprinter returns a settable snapshot
type fakeFingerprinter struct {
	mu       sync.Mutex
	snapshot domain.HardwareSnapshot
}

func (f *fakeFingerprinter) Capture(context.Context) domain.HardwareSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot.Clone()
}

func (f *fakeFingerprinter) set(s domain.HardwareSnapshot) {
	f.mu.Lock()
	f.snapshot = s
	f.mu.Unlock()
}

// fakeAuditor collects entries
type fakeAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *fakeAuditor) Record(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func siteMachine() domain.HardwareSnapshot {
	return domain.HardwareSnapshot{
		security.ComponentBoardSerial: "BRD-7731",
		security.ComponentProductUUID: "4c4c4544-0042-3510",
		security.ComponentDiskSerial:  "WD-WX11A",
		security.ComponentMACAddress:  "00:1a:2b:3c:4d:5e",
		security.ComponentCPUID:       "cpu-af31",
		security.ComponentMachineID:   "mid-9912",
		security.ComponentHostname:    "pit-office-01",
	}
}

func replacementMachine() domain.HardwareSnapshot {
	return domain.HardwareSnapshot{
		security.ComponentBoardSerial: "BRD-0001",
		security.ComponentProductUUID: "9f1e-0000-new",
		security.ComponentDiskSerial:  "SAMSUNG-Z9",
		security.ComponentMACAddress:  "00:ff:ee:dd:cc:bb",
		security.ComponentCPUID:       "cpu-0042",
		security.ComponentMachineID:   "mid-0001",
		security.ComponentHostname:    "plant-control",
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func onlineResult() *domain.VerificationResult {
	return &domain.VerificationResult{Status: domain.LicenseStatusActive}
}
