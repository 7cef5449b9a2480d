package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"minewater/pkg/contracts/domain"
)

// License-specific errors (using errors package for sentinel errors)
var (
	ErrNotActivated     = errors.New("license not activated")
	ErrRevoked          = errors.New("license revoked")
	ErrTimeTampered     = errors.New("system clock moved behind last online check")
	ErrNoGracePeriod    = errors.New("no offline grace period available")
	ErrGraceExpired     = errors.New("offline grace period expired")
	ErrQuotaExceeded    = errors.New("daily manual verification quota exceeded")
	ErrInvalidKey       = errors.New("invalid license key")
	ErrNetworkTimeout   = errors.New("license server unreachable")
	ErrHardwareMismatch = errors.New("hardware does not match activated machine")
	ErrTransferLimit    = errors.New("transfer limit reached")
	ErrRateLimited      = errors.New("rate limited")
	ErrLicenseExpired   = errors.New("license expired")

	// ErrUnknownKey is returned by the verification client when the server
	// does not know the key. The manager reports it as ErrInvalidKey.
	ErrUnknownKey = errors.New("license key unknown to server")
)

// Code returns the stable machine code for a license error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotActivated):
		return domain.ErrCodeNotActivated
	case errors.Is(err, ErrRevoked):
		return domain.ErrCodeRevoked
	case errors.Is(err, ErrTimeTampered):
		return domain.ErrCodeTimeTampered
	case errors.Is(err, ErrNoGracePeriod):
		return domain.ErrCodeNoGracePeriod
	case errors.Is(err, ErrGraceExpired):
		return domain.ErrCodeGraceExpired
	case errors.Is(err, ErrQuotaExceeded):
		return domain.ErrCodeQuotaExceeded
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrUnknownKey):
		return domain.ErrCodeInvalidKey
	case errors.Is(err, ErrNetworkTimeout):
		return domain.ErrCodeNetworkTimeout
	case errors.Is(err, ErrHardwareMismatch):
		return domain.ErrCodeHardwareMismatch
	case errors.Is(err, ErrTransferLimit):
		return domain.ErrCodeTransferLimit
	case errors.Is(err, ErrRateLimited):
		return domain.ErrCodeRateLimited
	case errors.Is(err, ErrLicenseExpired):
		return domain.ErrCodeExpiredLicense
	default:
		return domain.ErrCodeInternal
	}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type problem struct {
	status int
	slug   string
	title  string
	detail string
}

var problems = map[string]problem{
	domain.ErrCodeNotActivated: {http.StatusPreconditionRequired, "license-not-activated", "License Not Activated",
		"No license has been activated on this machine. Please activate a license to continue."},
	domain.ErrCodeRevoked: {http.StatusForbidden, "license-revoked", "License Revoked",
		"This license has been revoked. Please contact support."},
	domain.ErrCodeTimeTampered: {http.StatusForbidden, "time-tampered", "System Clock Problem",
		"The system clock is behind the last license check. Correct the date and time and restart."},
	domain.ErrCodeNoGracePeriod: {http.StatusForbidden, "no-grace-period", "Online Check Required",
		"No offline period is available. Connect to the internet to verify the license."},
	domain.ErrCodeGraceExpired: {http.StatusForbidden, "grace-expired", "Offline Period Expired",
		"The offline period has expired. Connect to the internet to verify the license."},
	domain.ErrCodeQuotaExceeded: {http.StatusTooManyRequests, "quota-exceeded", "Verification Quota Exceeded",
		"Manual verification is limited per day. Please try again tomorrow."},
	domain.ErrCodeInvalidKey: {http.StatusBadRequest, "invalid-license-key", "Invalid License Key",
		"The provided license key is invalid or unknown."},
	domain.ErrCodeNetworkTimeout: {http.StatusServiceUnavailable, "network-timeout", "License Server Unreachable",
		"Unable to reach the license server. Please check your connection."},
	domain.ErrCodeHardwareMismatch: {http.StatusConflict, "hardware-mismatch", "Hardware Mismatch",
		"This license is registered to a different machine. Request a transfer to move it here."},
	domain.ErrCodeTransferLimit: {http.StatusConflict, "transfer-limit", "Transfer Limit Reached",
		"This license has reached its maximum number of transfers. Please contact support."},
	domain.ErrCodeRateLimited: {http.StatusTooManyRequests, "rate-limited", "Too Many Requests",
		"Too many activation attempts. Please try again later."},
	domain.ErrCodeExpiredLicense: {http.StatusForbidden, "license-expired", "License Expired",
		"Your license has expired. Please renew to continue."},
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/license#trace-%s", traceID)
	code := Code(err)

	p, ok := problems[code]
	if !ok {
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", domain.ErrCodeInternal)
	}

	return NewProblemDetails(p.status, "/errors/"+p.slug, p.title, p.detail, instance).
		WithExtension("trace_id", traceID).
		WithExtension("error_code", code)
}

// UserMessage returns the operator-facing text for a license error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if p, ok := problems[Code(err)]; ok {
		return p.detail
	}
	return "License check failed: " + err.Error()
}
