// Package domain contains the core domain models shared by the license core,
// its persistence backends and the verification client.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// LicenseStatus represents the status of a license
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusRevoked LicenseStatus = "revoked"
	LicenseStatusStartup LicenseStatus = "startup" // pending first validation
	LicenseStatusExpired LicenseStatus = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusActive, LicenseStatusRevoked, LicenseStatusStartup, LicenseStatusExpired:
		return true
	}
	return false
}

// GrantsAccess reports whether a server answer with this status lets the
// application run
func (s LicenseStatus) GrantsAccess() bool {
	return s == LicenseStatusActive || s == LicenseStatusStartup
}

// ParseLicenseStatus maps a stored status string.
// Unknown values map to startup so the next online check decides.
func ParseLicenseStatus(s string) LicenseStatus {
	st := LicenseStatus(strings.ToLower(strings.TrimSpace(s)))
	if st.Valid() {
		return st
	}
	return LicenseStatusStartup
}

// HardwareSnapshot maps a hardware component name to the identifier read
// from the machine. Components that could not be read are absent.
type HardwareSnapshot map[string]string

// Clone returns an independent copy of the snapshot.
func (h HardwareSnapshot) Clone() HardwareSnapshot {
	if h == nil {
		return nil
	}
	out := make(HardwareSnapshot, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Hash returns a stable short digest of the snapshot for logs and audit trails.
func (h HardwareSnapshot) Hash() string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(h[k])
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// TransferEntry records one hardware transfer of the license
type TransferEntry struct {
	At           time.Time `json:"at"`
	FromHardware string    `json:"from_hardware"`
	ToHardware   string    `json:"to_hardware"`
}

// LicenseRecord is the single persisted license row of an installation
type LicenseRecord struct {
	LicenseKey                string           `json:"license_key" validate:"required"`
	Status                    LicenseStatus    `json:"license_status"`
	OfflineGraceUntil         *time.Time       `json:"offline_grace_until,omitempty"`
	LastOnlineCheck           *time.Time       `json:"last_online_check,omitempty"`
	ManualVerificationCount   int              `json:"manual_verification_count"`
	ManualVerificationResetAt time.Time        `json:"manual_verification_reset_at"`
	HardwareSnapshot          HardwareSnapshot `json:"hardware_snapshot"`
	TransferCount             int              `json:"transfer_count"`
	LastTransferAt            *time.Time       `json:"last_transfer_at,omitempty"`
	TransferHistory           []TransferEntry  `json:"transfer_history,omitempty"`
	ActivatedAt               time.Time        `json:"activated_at"`
	Signature                 string           `json:"signature,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the stored value.
func (r *LicenseRecord) Clone() *LicenseRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.OfflineGraceUntil = cloneTime(r.OfflineGraceUntil)
	out.LastOnlineCheck = cloneTime(r.LastOnlineCheck)
	out.LastTransferAt = cloneTime(r.LastTransferAt)
	out.HardwareSnapshot = r.HardwareSnapshot.Clone()
	if r.TransferHistory != nil {
		out.TransferHistory = append([]TransferEntry(nil), r.TransferHistory...)
	}
	return &out
}

// IsRevoked reports whether revocation has been observed for this record.
func (r *LicenseRecord) IsRevoked() bool {
	return r != nil && r.Status == LicenseStatusRevoked
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// VerificationAction names the server operation requested
type VerificationAction string

const (
	ActionVerify   VerificationAction = "verify"
	ActionActivate VerificationAction = "activate"
	ActionTransfer VerificationAction = "transfer"
)

// VerificationRequest is sent to the remote license service
type VerificationRequest struct {
	Action           VerificationAction `json:"action"`
	LicenseKey       string             `json:"license_key"`
	Hardware         HardwareSnapshot   `json:"hardware"`
	PreviousHardware HardwareSnapshot   `json:"previous_hardware,omitempty"`
}

// VerificationResult is what the remote license service answers for a
// verify, activate or transfer call.
type VerificationResult struct {
	Status      LicenseStatus `json:"status"`
	ServerTime  time.Time     `json:"server_time"`
	GraceWindow time.Duration `json:"grace_window"`
	// ResetGrace lets the server pull the offline deadline backward.
	ResetGrace bool   `json:"reset_grace,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// LicenseActivationRequest represents a license activation request
type LicenseActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=12,max=64"`
}

// License error codes
const (
	ErrCodeNotActivated     = "NOT_ACTIVATED"
	ErrCodeRevoked          = "LICENSE_REVOKED"
	ErrCodeTimeTampered     = "TIME_TAMPERED"
	ErrCodeNoGracePeriod    = "NO_GRACE_PERIOD"
	ErrCodeGraceExpired     = "GRACE_EXPIRED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeInvalidKey       = "INVALID_LICENSE_KEY"
	ErrCodeNetworkTimeout   = "NETWORK_TIMEOUT"
	ErrCodeHardwareMismatch = "HARDWARE_MISMATCH"
	ErrCodeTransferLimit    = "TRANSFER_LIMIT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeExpiredLicense   = "LICENSE_EXPIRED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
