package license

import (
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	apperrors "minewater/internal/errors"
	"minewater/internal/security"
	"minewater/pkg/contracts/domain"
)

// Policy holds the grace, tamper, quota and transfer rules
type Policy struct {
	GraceWindow         time.Duration
	TamperTolerance     time.Duration
	ManualQuota         int
	MaxTransfers        int
	VerifyTimeout       time.Duration
	BackgroundInterval  time.Duration
	SimilarityThreshold float64
	Location            *time.Location // business-day timezone for the manual quota
	ActivationRate      float64        // attempts per minute
	ActivationBurst     int
}

// DefaultPolicy returns the production policy
func DefaultPolicy() Policy {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		slog.Warn("Falling back to fixed SAST offset for the business day",
			slog.String("error", err.Error()))
		loc = time.FixedZone("SAST", 2*60*60)
	}
	return Policy{
		GraceWindow:         7 * 24 * time.Hour,
		TamperTolerance:     5 * time.Minute,
		ManualQuota:         3,
		MaxTransfers:        3,
		VerifyTimeout:       5 * time.Second,
		BackgroundInterval:  30 * time.Minute,
		SimilarityThreshold: security.MatchThreshold,
		Location:            loc,
		ActivationRate:      5,
		ActivationBurst:     3,
	}
}

func (p Policy) validate() error {
	switch {
	case p.GraceWindow <= 0:
		return fmt.Errorf("grace window must be positive")
	case p.TamperTolerance < 0:
		return fmt.Errorf("tamper tolerance must not be negative")
	case p.ManualQuota < 1:
		return fmt.Errorf("manual quota must be at least 1")
	case p.MaxTransfers < 0:
		return fmt.Errorf("max transfers must not be negative")
	case p.VerifyTimeout <= 0:
		return fmt.Errorf("verify timeout must be positive")
	case p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1:
		return fmt.Errorf("similarity threshold must be in (0, 1]")
	case p.Location == nil:
		return fmt.Errorf("business-day location is required")
	}
	return nil
}

// checkTamper fails when the local clock sits more than the tolerance behind
// the last trusted online check. Forward movement always passes.
func checkTamper(now time.Time, lastOnline *time.Time, tolerance time.Duration) error {
	if lastOnline == nil {
		return apperrors.ErrNoGracePeriod
	}
	if now.Before(lastOnline.Add(-tolerance)) {
		return apperrors.ErrTimeTampered
	}
	return nil
}

// evaluateGrace allows offline use up to and including the deadline.
func evaluateGrace(now time.Time, graceUntil *time.Time) error {
	if graceUntil == nil {
		return apperrors.ErrNoGracePeriod
	}
	if now.After(*graceUntil) {
		return apperrors.ErrGraceExpired
	}
	return nil
}

// nextGraceDeadline returns the deadline after a successful online check at
// now. The deadline never moves backward unless the server asks for a reset.
func nextGraceDeadline(current *time.Time, now time.Time, window time.Duration, reset bool) time.Time {
	next := now.Add(window)
	if current != nil && next.Before(*current) && !reset {
		return *current
	}
	return next
}

// nextLocalMidnight returns the first midnight in loc strictly after now.
func nextLocalMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// resetManualQuota zeroes the manual counter once its reset boundary passed.
// It reports whether the record changed.
func resetManualQuota(rec *domain.LicenseRecord, now time.Time, loc *time.Location) bool {
	if !rec.ManualVerificationResetAt.IsZero() && now.Before(rec.ManualVerificationResetAt) {
		return false
	}
	rec.ManualVerificationCount = 0
	rec.ManualVerificationResetAt = nextLocalMidnight(now, loc)
	return true
}

// manualChecksRemaining is the quota left at now without mutating rec.
func manualChecksRemaining(rec *domain.LicenseRecord, now time.Time, quota int) int {
	if rec.ManualVerificationResetAt.IsZero() || !now.Before(rec.ManualVerificationResetAt) {
		return quota
	}
	if left := quota - rec.ManualVerificationCount; left > 0 {
		return left
	}
	return 0
}

// expiryInfo describes the remaining offline allowance at now
func expiryInfo(rec *domain.LicenseRecord, now time.Time) ExpiryInfo {
	info := ExpiryInfo{}
	if rec == nil {
		return info
	}
	info.LastOnlineCheck = cloneTimePtr(rec.LastOnlineCheck)
	if rec.OfflineGraceUntil == nil {
		return info
	}
	info.GraceUntil = cloneTimePtr(rec.OfflineGraceUntil)
	remaining := rec.OfflineGraceUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	info.DaysRemaining = int(remaining / (24 * time.Hour))
	info.HoursRemaining = int((remaining % (24 * time.Hour)) / time.Hour)
	return info
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
