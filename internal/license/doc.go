// Package license implements the license state machine of the mine-site
// water balance application: activation, hardware transfer, online
// verification and the offline grace period that lets remote sites keep
// working without connectivity.
//
// # Architecture Overview
//
// The package consists of these components:
//
//   - Manager: owns the license record and every decision taken on it
//   - Policy: grace, tamper, quota and transfer rules
//   - Scheduler: periodic background revalidation
//   - FileAuditor: JSONL audit trail of license events
//   - LicenseHealthCheck: health of the store, grace state and fingerprint
//
// Persistence, the remote license service, hardware identification and the
// clock are injected through the Store, Verifier, Fingerprinter and Clock
// interfaces.
//
// # Startup Validation Flow
//
//  1. Load the stored record; none means not activated
//  2. A locally revoked record is refused without a network call
//  3. The current hardware must match the activated snapshot
//  4. Verify online; success refreshes the offline grace deadline
//  5. When the server is unreachable, refuse if the clock moved back
//     behind the last online check, otherwise allow until the deadline
//
// The grace deadline only moves forward unless the server asks for a reset,
// and exactly reaching the deadline is still allowed.
//
// # Manual Verification
//
// Operators may force an online check a limited number of times per
// business day. The counter resets at local midnight in the configured
// timezone.
package license
