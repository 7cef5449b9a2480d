package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit actions
const (
	AuditActivated      = "activated"
	AuditTransferred    = "transferred"
	AuditTimeTampered   = "time_tampered"
	AuditRevoked        = "revoked"
	AuditStatusChanged  = "status_changed"
	AuditHardwareDenied = "hardware_mismatch"
)

// AuditEntry represents one line of the license audit trail
type AuditEntry struct {
	Timestamp      time.Time         `json:"timestamp"`
	Action         string            `json:"action"`
	LicenseKey     string            `json:"license_key"` // masked
	LicenseKeyHash string            `json:"license_key_hash"`
	TraceID        string            `json:"trace_id,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// FileAuditor appends audit entries as JSON lines
type FileAuditor struct {
	path string
	mu   sync.Mutex
}

// NewFileAuditor creates an auditor writing to path
func NewFileAuditor(path string) *FileAuditor {
	return &FileAuditor{path: path}
}

// Record appends entry to the audit file
func (a *FileAuditor) Record(_ context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit: %w", err)
	}

	return nil
}

// ReadAuditEntries loads every entry from an audit file
func ReadAuditEntries(path string) ([]AuditEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []AuditEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("decode audit entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
