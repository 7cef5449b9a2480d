package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains all the application paths
// This is the single source of truth for ALL file paths in the application
type Paths struct {
	ExecutableDir string
	DataDir       string
	LogsDir       string

	ConfigFile  string
	LicenseDB   string
	LicenseFile string
	AppLog      string
	AuditLog    string
}

// GetPaths returns the application paths relative to the executable location
// All paths are ALWAYS relative to the executable directory, never the current working directory
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	// Resolve symlinks to get the actual executable location
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return PathsFor(filepath.Dir(exe)), nil
}

// PathsFor lays out the application paths under baseDir.
//
//	<base>/
//	  ├── config.yaml
//	  ├── data/
//	  │   ├── license.db
//	  │   └── license.dat
//	  └── logs/
//	      ├── license-agent.log
//	      └── license_audit.jsonl
func PathsFor(baseDir string) *Paths {
	dataDir := filepath.Join(baseDir, DefaultDataDir)
	logsDir := filepath.Join(baseDir, DefaultLogsDir)

	return &Paths{
		ExecutableDir: baseDir,
		DataDir:       dataDir,
		LogsDir:       logsDir,
		ConfigFile:    filepath.Join(baseDir, ConfigFileName),
		LicenseDB:     filepath.Join(dataDir, LicenseDBName),
		LicenseFile:   filepath.Join(dataDir, LicenseFileName),
		AppLog:        filepath.Join(logsDir, AppLogFileName),
		AuditLog:      filepath.Join(logsDir, AuditLogFileName),
	}
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("Ensured directory exists", slog.String("directory", dir))
	}
	return nil
}

// GetRelativePath returns a path relative to the executable directory
func (p *Paths) GetRelativePath(subpath string) string {
	return filepath.Join(p.ExecutableDir, subpath)
}

// LogPathResolution logs the resolved layout for troubleshooting installs
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Info("Resolved application paths",
		slog.String("executable_dir", p.ExecutableDir),
		slog.String("data_dir", p.DataDir),
		slog.String("logs_dir", p.LogsDir),
		slog.String("license_db", p.LicenseDB),
		slog.String("audit_log", p.AuditLog),
	)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
