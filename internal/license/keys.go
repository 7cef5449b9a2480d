package license

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	apperrors "minewater/internal/errors"
)

// KeyPrefix starts every product license key
const KeyPrefix = "MWB"

var keyPattern = regexp.MustCompile(`^MWB-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeKey canonicalizes a user-typed key to MWB-XXXX-XXXX-XXXX.
// Dashes and whitespace are optional and case is ignored.
func NormalizeKey(raw string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(raw))

	if len(compact) != len(KeyPrefix)+12 || !strings.HasPrefix(compact, KeyPrefix) {
		return "", fmt.Errorf("%w: expected format %s-XXXX-XXXX-XXXX", apperrors.ErrInvalidKey, KeyPrefix)
	}

	body := compact[len(KeyPrefix):]
	key := fmt.Sprintf("%s-%s-%s-%s", KeyPrefix, body[0:4], body[4:8], body[8:12])
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: key contains invalid characters", apperrors.ErrInvalidKey)
	}
	return key, nil
}

// MaskLicenseKey masks the license key for logs and UI display
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// hashLicenseKey creates a short hash of the license key for audit correlation
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
