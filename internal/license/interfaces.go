package license

import (
	"context"
	"time"

	"minewater/pkg/contracts/domain"
)

// Clock is the single time source consumed by every policy comparison.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current local time
func (SystemClock) Now() time.Time { return time.Now() }

// Store persists the single license record of an installation. Reads and
// writes are whole-record and atomic.
type Store interface {
	// LoadRecord returns nil and no error when no license has been activated.
	LoadRecord(ctx context.Context) (*domain.LicenseRecord, error)
	SaveRecord(ctx context.Context, record *domain.LicenseRecord) error
}

// Verifier talks to the remote license service. Any error other than
// ErrUnknownKey is treated as the server being unreachable.
type Verifier interface {
	Verify(ctx context.Context, req domain.VerificationRequest) (*domain.VerificationResult, error)
}

// Fingerprinter captures the hardware identity of the running machine
type Fingerprinter interface {
	Capture(ctx context.Context) domain.HardwareSnapshot
}

// Auditor receives security-relevant license events
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry) error
}
