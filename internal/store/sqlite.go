package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"minewater/internal/store/migrations"
	"minewater/pkg/contracts/domain"
)

const (
	defaultBusyTimeoutMillis = 5000
	connectionSetupTimeout   = 10 * time.Second
	recordID                 = 1
)

// SQLiteStore persists the license record as a single row
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

type pragmaExecFn func(ctx context.Context, stmt string) error

func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
	}

	for _, pragma := range pragmas {
		if err := exec(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}

	return nil
}

// NewSQLiteStore opens or creates the database at path and applies migrations
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_store"), slog.String("backend", BackendSQLite))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	// a single connection keeps every read and write of the record serialized
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	setupCtx, cancel := context.WithTimeout(ctx, connectionSetupTimeout)
	defer cancel()
	if err := applyConnectionPragmas(setupCtx, func(ctx context.Context, stmt string) error {
		_, execErr := conn.ExecContext(ctx, stmt)
		return execErr
	}); err != nil {
		conn.Close()
		return nil, err
	}

	if err := migrate(setupCtx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("License database ready", slog.String("path", path))
	return &SQLiteStore{db: conn, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadRecord reads the license row and its transfer history
func (s *SQLiteStore) LoadRecord(ctx context.Context) (*domain.LicenseRecord, error) {
	var (
		key, status, snapshot, signature              string
		graceUntil, lastOnline, resetAt, lastTransfer sql.NullString
		activatedAt                                   sql.NullString
		manualCount, transferCount                    int
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT license_key, license_status, offline_grace_until, last_online_check,
		       manual_verification_count, manual_verification_reset_at, hardware_snapshot,
		       transfer_count, last_transfer_at, activated_at, signature
		FROM license_record WHERE id = ?`, recordID,
	).Scan(&key, &status, &graceUntil, &lastOnline,
		&manualCount, &resetAt, &snapshot,
		&transferCount, &lastTransfer, &activatedAt, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query license record: %w", err)
	}

	rec := &domain.LicenseRecord{
		LicenseKey:              key,
		Status:                  domain.ParseLicenseStatus(status),
		OfflineGraceUntil:       s.parseTime(ctx, "offline_grace_until", graceUntil),
		LastOnlineCheck:         s.parseTime(ctx, "last_online_check", lastOnline),
		ManualVerificationCount: manualCount,
		TransferCount:           transferCount,
		LastTransferAt:          s.parseTime(ctx, "last_transfer_at", lastTransfer),
		Signature:               signature,
	}
	if t := s.parseTime(ctx, "manual_verification_reset_at", resetAt); t != nil {
		rec.ManualVerificationResetAt = *t
	}
	if t := s.parseTime(ctx, "activated_at", activatedAt); t != nil {
		rec.ActivatedAt = *t
	}

	if err := json.Unmarshal([]byte(snapshot), &rec.HardwareSnapshot); err != nil {
		s.logger.WarnContext(ctx, "Stored hardware snapshot is unreadable",
			slog.String("error", err.Error()))
		rec.HardwareSnapshot = domain.HardwareSnapshot{}
	}

	history, err := s.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	rec.TransferHistory = history

	return rec, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context) ([]domain.TransferEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transferred_at, from_hardware, to_hardware FROM transfer_history ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query transfer history: %w", err)
	}
	defer rows.Close()

	var history []domain.TransferEntry
	for rows.Next() {
		var at sql.NullString
		var entry domain.TransferEntry
		if err := rows.Scan(&at, &entry.FromHardware, &entry.ToHardware); err != nil {
			return nil, fmt.Errorf("scan transfer history: %w", err)
		}
		if t := s.parseTime(ctx, "transferred_at", at); t != nil {
			entry.At = *t
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// SaveRecord replaces the license row and its transfer history in one transaction
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *domain.LicenseRecord) error {
	if rec == nil {
		return fmt.Errorf("license record is nil")
	}

	snapshot := rec.HardwareSnapshot
	if snapshot == nil {
		snapshot = domain.HardwareSnapshot{}
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal hardware snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO license_record (
			id, license_key, license_status, offline_grace_until, last_online_check,
			manual_verification_count, manual_verification_reset_at, hardware_snapshot,
			transfer_count, last_transfer_at, activated_at, signature, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			license_key = excluded.license_key,
			license_status = excluded.license_status,
			offline_grace_until = excluded.offline_grace_until,
			last_online_check = excluded.last_online_check,
			manual_verification_count = excluded.manual_verification_count,
			manual_verification_reset_at = excluded.manual_verification_reset_at,
			hardware_snapshot = excluded.hardware_snapshot,
			transfer_count = excluded.transfer_count,
			last_transfer_at = excluded.last_transfer_at,
			activated_at = excluded.activated_at,
			signature = excluded.signature,
			updated_at = excluded.updated_at`,
		recordID, rec.LicenseKey, string(rec.Status),
		formatTimePtr(rec.OfflineGraceUntil), formatTimePtr(rec.LastOnlineCheck),
		rec.ManualVerificationCount, formatTime(rec.ManualVerificationResetAt), string(snapshotJSON),
		rec.TransferCount, formatTimePtr(rec.LastTransferAt), formatTime(rec.ActivatedAt),
		rec.Signature, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert license record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_history`); err != nil {
		return fmt.Errorf("clear transfer history: %w", err)
	}
	for _, entry := range rec.TransferHistory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transfer_history (transferred_at, from_hardware, to_hardware) VALUES (?, ?, ?)`,
			entry.At.Format(time.RFC3339Nano), entry.FromHardware, entry.ToHardware,
		); err != nil {
			return fmt.Errorf("insert transfer history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit license record: %w", err)
	}
	return nil
}

// parseTime decodes a stored timestamp. Unparsable values are treated as
// absent so that grace and tamper checks fail closed.
func (s *SQLiteStore) parseTime(ctx context.Context, column string, v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		s.logger.WarnContext(ctx, "Stored timestamp is unreadable",
			slog.String("column", column),
			slog.String("value", v.String),
		)
		return nil
	}
	return &t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return formatTime(*t)
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}
