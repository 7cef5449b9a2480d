package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"minewater/internal/security"
	"minewater/pkg/contracts/domain"
)

// FileStore keeps the license record in a sealed file. The file is
// encrypted with a key derived from the installation secret, so edits made
// outside the application are detected on load.
type FileStore struct {
	path   string
	secret []byte
	seal   *security.SealConfig
	mu     sync.Mutex
}

// NewFileStore creates a sealed file store at path
func NewFileStore(path string, secret []byte, seal *security.SealConfig) (*FileStore, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("seal secret must be at least 16 bytes")
	}
	if seal == nil {
		seal = security.DefaultSealConfig()
	}
	if err := security.ValidateSealConfig(seal, true); err != nil {
		return nil, err
	}
	return &FileStore{path: path, secret: secret, seal: seal}, nil
}

// LoadRecord reads and unseals the license file
func (s *FileStore) LoadRecord(_ context.Context) (*domain.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read license file: %w", err)
	}

	plaintext, err := security.Open(data, s.secret, s.seal)
	if err != nil {
		return nil, fmt.Errorf("open license file: %w", err)
	}

	var rec domain.LicenseRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("decode license file: %w", err)
	}
	rec.Status = domain.ParseLicenseStatus(string(rec.Status))
	return &rec, nil
}

// SaveRecord seals the record and atomically replaces the license file
func (s *FileStore) SaveRecord(_ context.Context, rec *domain.LicenseRecord) error {
	if rec == nil {
		return fmt.Errorf("license record is nil")
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode license record: %w", err)
	}
	sealed, err := security.Seal(plaintext, s.secret, s.seal)
	if err != nil {
		return fmt.Errorf("seal license record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".license-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp license file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp license file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp license file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp license file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace license file: %w", err)
	}
	return nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error { return nil }
