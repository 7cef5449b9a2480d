package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "minewater/internal/errors"
	"minewater/internal/security"
	"minewater/pkg/contracts/domain"
)

// ExpiryInfo describes the remaining offline allowance
type ExpiryInfo struct {
	GraceUntil      *time.Time `json:"grace_until,omitempty"`
	DaysRemaining   int        `json:"days_remaining"`
	HoursRemaining  int        `json:"hours_remaining"`
	LastOnlineCheck *time.Time `json:"last_online_check,omitempty"`
}

// Decision is the outcome of a license operation. Message always holds the
// operator-facing text.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`
	Online  bool       `json:"online"`
	Expiry  ExpiryInfo `json:"expiry"`
}

// Summary is the license state shown in the UI status bar
type Summary struct {
	Activated             bool                 `json:"activated"`
	Status                domain.LicenseStatus `json:"status,omitempty"`
	Online                bool                 `json:"online"`
	LicenseKey            string               `json:"license_key,omitempty"`
	GraceUntil            *time.Time           `json:"grace_until,omitempty"`
	DaysRemaining         int                  `json:"days_remaining"`
	HoursRemaining        int                  `json:"hours_remaining"`
	LastOnlineCheck       *time.Time           `json:"last_online_check,omitempty"`
	ManualChecksRemaining int                  `json:"manual_checks_remaining"`
	TransfersRemaining    int                  `json:"transfers_remaining"`
	Message               string               `json:"message"`
}

// Dependencies are the collaborators a Manager is built from
type Dependencies struct {
	Store         Store
	Verifier      Verifier
	Fingerprinter Fingerprinter
	Clock         Clock
	Auditor       Auditor
	Metrics       *LicenseMetrics
	Logger        *slog.Logger
}

// Manager owns the license state machine of one installation
type Manager struct {
	mu sync.Mutex

	store    Store
	verifier Verifier
	hardware Fingerprinter
	clock    Clock
	auditor  Auditor
	metrics  *LicenseMetrics
	logger   *slog.Logger

	policy  Policy
	limiter *rate.Limiter
}

// NewManager creates a license manager
func NewManager(deps Dependencies, policy Policy) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("license store is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("license verifier is required")
	}
	if deps.Fingerprinter == nil {
		return nil, fmt.Errorf("hardware fingerprinter is required")
	}
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("invalid license policy: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if policy.ActivationRate > 0 {
		limit = rate.Limit(policy.ActivationRate / 60)
	}
	burst := policy.ActivationBurst
	if burst < 1 {
		burst = 1
	}

	return &Manager{
		store:    deps.Store,
		verifier: deps.Verifier,
		hardware: deps.Fingerprinter,
		clock:    clock,
		auditor:  deps.Auditor,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "license_manager")),
		policy:   policy,
		limiter:  rate.NewLimiter(limit, burst),
	}, nil
}

// Policy returns the rules this manager enforces
func (m *Manager) Policy() Policy {
	return m.policy
}

// ValidateStartup decides whether the application may launch.
func (m *Manager) ValidateStartup(ctx context.Context) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decision Decision
	err := m.trace(ctx, "validate_startup", func(ctx context.Context) error {
		var err error
		decision, err = m.validateStartup(ctx)
		return err
	})
	return decision, err
}

func (m *Manager) validateStartup(ctx context.Context) (Decision, error) {
	rec, err := m.load(ctx)
	if err != nil {
		return m.deny(nil, false, err), err
	}

	if rec.IsRevoked() {
		return m.deny(rec, false, apperrors.ErrRevoked), apperrors.ErrRevoked
	}

	if err := m.checkHardware(ctx, rec); err != nil {
		return m.deny(rec, false, err), err
	}

	result, verr := m.verify(ctx, domain.VerificationRequest{
		Action:     domain.ActionVerify,
		LicenseKey: rec.LicenseKey,
		Hardware:   rec.HardwareSnapshot,
	})
	if verr == nil {
		return m.onlineDecision(ctx, rec, result)
	}
	if errors.Is(verr, apperrors.ErrUnknownKey) {
		err := fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, verr)
		return m.deny(rec, false, err), err
	}

	m.logLicenseAction(ctx, slog.LevelWarn, "validate_startup", "License server unreachable, evaluating offline grace",
		rec.LicenseKey, slog.String("error", verr.Error()))
	return m.offlineDecision(ctx, rec)
}

// offlineDecision applies the tamper check and then the grace deadline
func (m *Manager) offlineDecision(ctx context.Context, rec *domain.LicenseRecord) (Decision, error) {
	now := m.clock.Now()
	m.metrics.count(ctx, counterOffline)

	if rec.Status == domain.LicenseStatusExpired {
		return m.deny(rec, false, apperrors.ErrLicenseExpired), apperrors.ErrLicenseExpired
	}

	if err := checkTamper(now, rec.LastOnlineCheck, m.policy.TamperTolerance); err != nil {
		if errors.Is(err, apperrors.ErrTimeTampered) {
			m.metrics.count(ctx, counterTamper)
			m.logLicenseAction(ctx, slog.LevelWarn, "tamper_check", "System clock is behind the last online check",
				rec.LicenseKey,
				slog.Time("now", now),
				slog.Time("last_online_check", *rec.LastOnlineCheck),
			)
			m.audit(ctx, AuditTimeTampered, rec.LicenseKey, map[string]string{
				"now":               now.Format(time.RFC3339),
				"last_online_check": rec.LastOnlineCheck.Format(time.RFC3339),
			})
		}
		return m.deny(rec, false, err), err
	}

	if err := evaluateGrace(now, rec.OfflineGraceUntil); err != nil {
		return m.deny(rec, false, err), err
	}

	info := expiryInfo(rec, now)
	m.metrics.recordGrace(ctx, info)
	return Decision{
		Allowed: true,
		Online:  false,
		Message: offlineMessage(info),
		Expiry:  info,
	}, nil
}

// onlineDecision persists a successful server answer and maps its status
func (m *Manager) onlineDecision(ctx context.Context, rec *domain.LicenseRecord, result *domain.VerificationResult) (Decision, error) {
	previous := rec.Status
	m.applyOnlineSuccess(rec, result)
	if err := m.save(ctx, rec); err != nil {
		return m.deny(rec, true, err), err
	}
	m.noteStatusChange(ctx, rec, previous)

	switch {
	case result.Status == domain.LicenseStatusRevoked:
		return m.deny(rec, true, apperrors.ErrRevoked), apperrors.ErrRevoked
	case result.Status == domain.LicenseStatusExpired:
		return m.deny(rec, true, apperrors.ErrLicenseExpired), apperrors.ErrLicenseExpired
	case !result.Status.GrantsAccess():
		err := fmt.Errorf("%w: license service answered status %q", apperrors.ErrLicenseExpired, result.Status)
		return m.deny(rec, true, err), err
	}

	info := expiryInfo(rec, m.clock.Now())
	m.metrics.recordGrace(ctx, info)
	return Decision{
		Allowed: true,
		Online:  true,
		Message: "License verified online.",
		Expiry:  info,
	}, nil
}

// RevalidateBackground refreshes the grace deadline when the server is
// reachable. Failures change nothing and are only logged.
func (m *Manager) RevalidateBackground(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.trace(ctx, "revalidate_background", func(ctx context.Context) error {
		_, err := m.revalidate(ctx)
		if err != nil && !isExpectedBackgroundFailure(err) {
			return err
		}
		return nil
	})
}

func isExpectedBackgroundFailure(err error) bool {
	return errors.Is(err, apperrors.ErrNotActivated) || errors.Is(err, apperrors.ErrNetworkTimeout)
}

// revalidate performs one online check and applies its result. The tamper
// check never runs here.
func (m *Manager) revalidate(ctx context.Context) (Decision, error) {
	rec, err := m.load(ctx)
	if err != nil {
		return m.deny(nil, false, err), err
	}

	result, verr := m.verify(ctx, domain.VerificationRequest{
		Action:     domain.ActionVerify,
		LicenseKey: rec.LicenseKey,
		Hardware:   rec.HardwareSnapshot,
	})
	if verr != nil {
		if errors.Is(verr, apperrors.ErrUnknownKey) {
			err := fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, verr)
			return m.deny(rec, false, err), err
		}
		m.logLicenseAction(ctx, slog.LevelInfo, "revalidate", "License server unreachable, keeping stored state",
			rec.LicenseKey, slog.String("error", verr.Error()))
		err := fmt.Errorf("%w: %v", apperrors.ErrNetworkTimeout, verr)
		return m.deny(rec, false, err), err
	}

	return m.onlineDecision(ctx, rec, result)
}

// RequestManualVerification runs an operator-triggered online check, limited
// to the daily quota. A failed check does not end the session.
func (m *Manager) RequestManualVerification(ctx context.Context) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decision Decision
	err := m.trace(ctx, "manual_verification", func(ctx context.Context) error {
		rec, err := m.load(ctx)
		if err != nil {
			decision = m.deny(nil, false, err)
			return err
		}

		now := m.clock.Now()
		resetManualQuota(rec, now, m.policy.Location)
		if rec.ManualVerificationCount >= m.policy.ManualQuota {
			if err := m.save(ctx, rec); err != nil {
				decision = m.deny(rec, false, err)
				return err
			}
			decision = m.deny(rec, false, apperrors.ErrQuotaExceeded)
			return apperrors.ErrQuotaExceeded
		}

		rec.ManualVerificationCount++
		if err := m.save(ctx, rec); err != nil {
			decision = m.deny(rec, false, err)
			return err
		}
		m.metrics.count(ctx, counterManual)
		m.logLicenseAction(ctx, slog.LevelInfo, "manual_verification", "Manual verification requested",
			rec.LicenseKey,
			slog.Int("count", rec.ManualVerificationCount),
			slog.Int("quota", m.policy.ManualQuota),
		)

		decision, err = m.revalidate(ctx)
		return err
	})
	return decision, err
}

// Activate binds a license key to this machine
func (m *Manager) Activate(ctx context.Context, rawKey string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decision Decision
	err := m.trace(ctx, "activate", func(ctx context.Context) error {
		var err error
		decision, err = m.activate(ctx, rawKey)
		return err
	})
	return decision, err
}

func (m *Manager) activate(ctx context.Context, rawKey string) (Decision, error) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return m.deny(nil, false, err), err
	}

	if !m.limiter.AllowN(m.clock.Now(), 1) {
		m.metrics.count(ctx, counterRateLimit)
		return m.deny(nil, false, apperrors.ErrRateLimited), apperrors.ErrRateLimited
	}

	existing, err := m.store.LoadRecord(ctx)
	if err != nil {
		err = fmt.Errorf("load license record: %w", err)
		return m.deny(nil, false, err), err
	}
	if existing != nil && existing.LicenseKey != key {
		existing = nil
	}

	snapshot := m.hardware.Capture(ctx)
	if len(snapshot) == 0 {
		err := fmt.Errorf("%w: no hardware identifiers could be read", apperrors.ErrHardwareMismatch)
		return m.deny(existing, false, err), err
	}
	if existing != nil {
		if score := security.Similarity(snapshot, existing.HardwareSnapshot); score < m.policy.SimilarityThreshold {
			m.logLicenseAction(ctx, slog.LevelWarn, "activate", "License is bound to other hardware", key,
				slog.Float64("similarity", score))
			err := fmt.Errorf("%w: license is bound to another machine, use RequestTransfer to move it",
				apperrors.ErrHardwareMismatch)
			return m.deny(existing, false, err), err
		}
	}

	result, verr := m.verify(ctx, domain.VerificationRequest{
		Action:     domain.ActionActivate,
		LicenseKey: key,
		Hardware:   snapshot,
	})
	if verr != nil {
		if errors.Is(verr, apperrors.ErrUnknownKey) {
			m.logLicenseAction(ctx, slog.LevelWarn, "activate", "License key rejected by server", key)
			err := fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, verr)
			return m.deny(existing, false, err), err
		}
		err := fmt.Errorf("%w: %v", apperrors.ErrNetworkTimeout, verr)
		return m.deny(existing, false, err), err
	}

	switch result.Status {
	case domain.LicenseStatusRevoked:
		if existing != nil && !existing.IsRevoked() {
			previous := existing.Status
			existing.Status = domain.LicenseStatusRevoked
			if err := m.save(ctx, existing); err != nil {
				return m.deny(existing, true, err), err
			}
			m.noteStatusChange(ctx, existing, previous)
		}
		return m.deny(existing, true, apperrors.ErrRevoked), apperrors.ErrRevoked
	case domain.LicenseStatusExpired:
		return m.deny(existing, true, apperrors.ErrLicenseExpired), apperrors.ErrLicenseExpired
	}
	if !result.Status.GrantsAccess() {
		err := fmt.Errorf("%w: license service answered status %q", apperrors.ErrLicenseExpired, result.Status)
		return m.deny(existing, true, err), err
	}

	now := m.clock.Now()
	rec := existing
	if rec == nil {
		rec = &domain.LicenseRecord{
			LicenseKey:  key,
			ActivatedAt: now,
		}
	}
	rec.HardwareSnapshot = snapshot
	m.applyOnlineSuccess(rec, result)

	if err := m.save(ctx, rec); err != nil {
		return m.deny(rec, true, err), err
	}

	m.logLicenseAction(ctx, slog.LevelInfo, "activate", "License activated", key,
		slog.String("hardware", snapshot.Hash()),
		slog.Bool("reactivation", existing != nil),
	)
	m.audit(ctx, AuditActivated, key, map[string]string{
		"hardware":     snapshot.Hash(),
		"reactivation": strconv.FormatBool(existing != nil),
	})

	info := expiryInfo(rec, now)
	return Decision{
		Allowed: true,
		Online:  true,
		Message: "License activated successfully.",
		Expiry:  info,
	}, nil
}

// RequestTransfer moves the license to the hardware this process runs on
func (m *Manager) RequestTransfer(ctx context.Context) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decision Decision
	err := m.trace(ctx, "transfer", func(ctx context.Context) error {
		var err error
		decision, err = m.transfer(ctx)
		return err
	})
	return decision, err
}

func (m *Manager) transfer(ctx context.Context) (Decision, error) {
	rec, err := m.load(ctx)
	if err != nil {
		return m.deny(nil, false, err), err
	}
	if rec.IsRevoked() {
		return m.deny(rec, false, apperrors.ErrRevoked), apperrors.ErrRevoked
	}
	if rec.TransferCount >= m.policy.MaxTransfers {
		err := fmt.Errorf("%w: %d of %d transfers used", apperrors.ErrTransferLimit, rec.TransferCount, m.policy.MaxTransfers)
		return m.deny(rec, false, err), err
	}

	snapshot := m.hardware.Capture(ctx)
	if len(snapshot) == 0 {
		err := fmt.Errorf("%w: no hardware identifiers could be read", apperrors.ErrHardwareMismatch)
		return m.deny(rec, false, err), err
	}

	result, verr := m.verify(ctx, domain.VerificationRequest{
		Action:           domain.ActionTransfer,
		LicenseKey:       rec.LicenseKey,
		Hardware:         snapshot,
		PreviousHardware: rec.HardwareSnapshot,
	})
	if verr != nil {
		if errors.Is(verr, apperrors.ErrUnknownKey) {
			err := fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, verr)
			return m.deny(rec, false, err), err
		}
		err := fmt.Errorf("%w: transfer requires an online check: %v", apperrors.ErrNetworkTimeout, verr)
		return m.deny(rec, false, err), err
	}

	if !result.Status.GrantsAccess() {
		return m.onlineDecision(ctx, rec, result)
	}

	now := m.clock.Now()
	from := rec.HardwareSnapshot.Hash()
	rec.TransferCount++
	rec.LastTransferAt = &now
	rec.TransferHistory = append(rec.TransferHistory, domain.TransferEntry{
		At:           now,
		FromHardware: from,
		ToHardware:   snapshot.Hash(),
	})
	rec.HardwareSnapshot = snapshot
	m.applyOnlineSuccess(rec, result)

	if err := m.save(ctx, rec); err != nil {
		return m.deny(rec, true, err), err
	}

	m.logLicenseAction(ctx, slog.LevelInfo, "transfer", "License transferred to new hardware", rec.LicenseKey,
		slog.String("from", from),
		slog.String("to", snapshot.Hash()),
		slog.Int("transfer_count", rec.TransferCount),
	)
	m.audit(ctx, AuditTransferred, rec.LicenseKey, map[string]string{
		"from":           from,
		"to":             snapshot.Hash(),
		"transfer_count": strconv.Itoa(rec.TransferCount),
	})

	return Decision{
		Allowed: true,
		Online:  true,
		Message: fmt.Sprintf("License transferred. %d transfer(s) remaining.", m.policy.MaxTransfers-rec.TransferCount),
		Expiry:  expiryInfo(rec, now),
	}, nil
}

// StatusSummary reports the stored license state for display
func (m *Manager) StatusSummary(ctx context.Context) Summary {
	rec, err := m.store.LoadRecord(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to load license record for status", slog.String("error", err.Error()))
		return Summary{Message: "License status unavailable."}
	}
	if rec == nil {
		return Summary{Message: apperrors.UserMessage(apperrors.ErrNotActivated)}
	}

	now := m.clock.Now()
	info := expiryInfo(rec, now)
	s := Summary{
		Activated:             true,
		Status:                rec.Status,
		LicenseKey:            MaskLicenseKey(rec.LicenseKey),
		GraceUntil:            info.GraceUntil,
		DaysRemaining:         info.DaysRemaining,
		HoursRemaining:        info.HoursRemaining,
		LastOnlineCheck:       info.LastOnlineCheck,
		ManualChecksRemaining: manualChecksRemaining(rec, now, m.policy.ManualQuota),
		TransfersRemaining:    max(m.policy.MaxTransfers-rec.TransferCount, 0),
	}
	if rec.LastOnlineCheck != nil {
		age := now.Sub(*rec.LastOnlineCheck)
		s.Online = age >= 0 && age < 2*m.policy.BackgroundInterval
	}

	switch {
	case rec.IsRevoked():
		s.Message = apperrors.UserMessage(apperrors.ErrRevoked)
	case rec.Status == domain.LicenseStatusExpired:
		s.Message = apperrors.UserMessage(apperrors.ErrLicenseExpired)
	case s.Online:
		s.Message = "Online. License verified."
	default:
		s.Message = offlineMessage(info)
	}
	return s
}

// applyOnlineSuccess records a trusted server answer on rec. Only a status
// that grants access moves the offline grace deadline.
func (m *Manager) applyOnlineSuccess(rec *domain.LicenseRecord, result *domain.VerificationResult) {
	now := m.clock.Now()
	rec.LastOnlineCheck = &now
	if result.Status.GrantsAccess() {
		window := m.policy.GraceWindow
		if result.GraceWindow > 0 {
			window = result.GraceWindow
		}
		grace := nextGraceDeadline(rec.OfflineGraceUntil, now, window, result.ResetGrace)
		rec.OfflineGraceUntil = &grace
	}
	if result.Status.Valid() {
		rec.Status = result.Status
	}
	if result.Signature != "" {
		rec.Signature = result.Signature
	}
}

func (m *Manager) checkHardware(ctx context.Context, rec *domain.LicenseRecord) error {
	current := m.hardware.Capture(ctx)
	score := security.Similarity(current, rec.HardwareSnapshot)
	if score >= m.policy.SimilarityThreshold {
		return nil
	}

	m.metrics.count(ctx, counterHardware)
	m.logLicenseAction(ctx, slog.LevelWarn, "hardware_check", "Hardware does not match the activated machine",
		rec.LicenseKey,
		slog.Float64("similarity", score),
		slog.Float64("threshold", m.policy.SimilarityThreshold),
	)
	m.audit(ctx, AuditHardwareDenied, rec.LicenseKey, map[string]string{
		"similarity": strconv.FormatFloat(score, 'f', 2, 64),
		"hardware":   current.Hash(),
		"reference":  rec.HardwareSnapshot.Hash(),
	})
	return fmt.Errorf("%w: similarity %.2f below %.2f", apperrors.ErrHardwareMismatch, score, m.policy.SimilarityThreshold)
}

func (m *Manager) verify(ctx context.Context, req domain.VerificationRequest) (*domain.VerificationResult, error) {
	vctx, cancel := context.WithTimeout(ctx, m.policy.VerifyTimeout)
	defer cancel()

	start := time.Now()
	result, err := m.verifier.Verify(vctx, req)
	if err == nil && result == nil {
		err = fmt.Errorf("license server returned no result")
	}
	m.metrics.recordVerifier(ctx, string(req.Action), time.Since(start), err)
	return result, err
}

func (m *Manager) load(ctx context.Context) (*domain.LicenseRecord, error) {
	rec, err := m.store.LoadRecord(ctx)
	if err != nil {
		return nil, fmt.Errorf("load license record: %w", err)
	}
	if rec == nil {
		return nil, apperrors.ErrNotActivated
	}
	return rec, nil
}

func (m *Manager) save(ctx context.Context, rec *domain.LicenseRecord) error {
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("save license record: %w", err)
	}
	return nil
}

func (m *Manager) noteStatusChange(ctx context.Context, rec *domain.LicenseRecord, previous domain.LicenseStatus) {
	if rec.Status == previous {
		return
	}
	action := AuditStatusChanged
	if rec.Status == domain.LicenseStatusRevoked {
		action = AuditRevoked
	}
	m.logLicenseAction(ctx, slog.LevelWarn, "status_change", "License status changed by server", rec.LicenseKey,
		slog.String("from", string(previous)),
		slog.String("to", string(rec.Status)),
	)
	m.audit(ctx, action, rec.LicenseKey, map[string]string{
		"from": string(previous),
		"to":   string(rec.Status),
	})
}

func (m *Manager) deny(rec *domain.LicenseRecord, online bool, err error) Decision {
	d := Decision{
		Allowed: false,
		Online:  online,
		Message: apperrors.UserMessage(err),
		Code:    apperrors.Code(err),
	}
	if rec != nil {
		d.Expiry = expiryInfo(rec, m.clock.Now())
	}
	return d
}

func offlineMessage(info ExpiryInfo) string {
	if info.GraceUntil == nil {
		return "Offline."
	}
	return fmt.Sprintf("Offline. %d day(s) %d hour(s) remaining before an online check is required.",
		info.DaysRemaining, info.HoursRemaining)
}
