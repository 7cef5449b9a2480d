// Package store provides the persistence backends for the license record.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"minewater/internal/config"
	"minewater/pkg/contracts/domain"
)

// Backend names
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Store is a closable license record store
type Store interface {
	LoadRecord(ctx context.Context) (*domain.LicenseRecord, error)
	SaveRecord(ctx context.Context, rec *domain.LicenseRecord) error
	Close() error
}

// Open creates the backend selected by cfg
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(ctx, cfg.Path, logger)
	case BackendFile:
		return NewFileStore(cfg.Path, []byte(cfg.SealSecret), nil)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
