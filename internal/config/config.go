package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // fixed business-day timezone must resolve on hosts without zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load
const EnvPrefix = "MINEWATER"

// Config represents the complete application configuration
type Config struct {
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Status    StatusConfig    `yaml:"status" envconfig:"STATUS"`
}

// LicenseConfig holds the grace, tamper and quota policy
type LicenseConfig struct {
	AppID               string        `yaml:"app_id" envconfig:"APP_ID" validate:"required"`
	GraceWindow         time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW" validate:"gt=0"`
	TamperTolerance     time.Duration `yaml:"tamper_tolerance" envconfig:"TAMPER_TOLERANCE" validate:"gte=0"`
	ManualQuota         int           `yaml:"manual_quota" envconfig:"MANUAL_QUOTA" validate:"gte=1"`
	MaxTransfers        int           `yaml:"max_transfers" envconfig:"MAX_TRANSFERS" validate:"gte=0"`
	VerifyTimeout       time.Duration `yaml:"verify_timeout" envconfig:"VERIFY_TIMEOUT" validate:"gt=0,lte=1m"`
	BackgroundInterval  time.Duration `yaml:"background_interval" envconfig:"BACKGROUND_INTERVAL" validate:"gte=1m"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" envconfig:"SIMILARITY_THRESHOLD" validate:"gt=0,lte=1"`
	Timezone            string        `yaml:"timezone" envconfig:"TIMEZONE" validate:"required"`
	ActivationRate      float64       `yaml:"activation_rate" envconfig:"ACTIVATION_RATE" validate:"gt=0"` // attempts per minute
	ActivationBurst     int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST" validate:"gte=1"`
	FingerprintCacheTTL time.Duration `yaml:"fingerprint_cache_ttl" envconfig:"FINGERPRINT_CACHE_TTL" validate:"gte=0"`
}

// ServerConfig describes the remote license service
type ServerConfig struct {
	VerifyURL    string        `yaml:"verify_url" envconfig:"VERIFY_URL" validate:"required,url"`
	PublicKey    string        `yaml:"public_key" envconfig:"PUBLIC_KEY" validate:"required,base64"`
	RetryMax     int           `yaml:"retry_max" envconfig:"RETRY_MAX" validate:"gte=0,lte=10"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" envconfig:"RETRY_WAIT_MIN" validate:"gte=0"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" envconfig:"RETRY_WAIT_MAX" validate:"gtefield=RetryWaitMin"`
	ClockLeeway  time.Duration `yaml:"clock_leeway" envconfig:"CLOCK_LEEWAY" validate:"gte=0"`
}

// StoreConfig selects the license record backend
type StoreConfig struct {
	Backend    string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=sqlite file memory"`
	Path       string `yaml:"path" envconfig:"PATH"`
	SealSecret string `yaml:"seal_secret" envconfig:"SEAL_SECRET" validate:"omitempty,min=16"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format     string `yaml:"format" envconfig:"FORMAT"`
	Output     string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	AuditPath  string `yaml:"audit_path" envconfig:"AUDIT_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"gte=1"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" validate:"gte=0"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// StatusConfig configures the loopback status API used by the GUI
type StatusConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	Listen          string        `yaml:"listen" envconfig:"LISTEN" validate:"omitempty,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		License: LicenseConfig{
			AppID:               DefaultAppID,
			GraceWindow:         DefaultGraceWindow,
			TamperTolerance:     DefaultTamperTolerance,
			ManualQuota:         DefaultManualQuota,
			MaxTransfers:        DefaultMaxTransfers,
			VerifyTimeout:       DefaultVerifyTimeout,
			BackgroundInterval:  DefaultBackgroundInterval,
			SimilarityThreshold: DefaultSimilarityThreshold,
			Timezone:            DefaultTimezone,
			ActivationRate:      5,
			ActivationBurst:     3,
			FingerprintCacheTTL: time.Hour,
		},
		Server: ServerConfig{
			VerifyURL:    DefaultVerifyURL,
			RetryMax:     2,
			RetryWaitMin: 250 * time.Millisecond,
			RetryWaitMax: 1 * time.Second,
			ClockLeeway:  2 * time.Minute,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Telemetry: TelemetryConfig{
			Environment:    "production",
			EnableMetrics:  true,
			EnableTracing:  false,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		Status: StatusConfig{
			Enabled:         true,
			Listen:          DefaultStatusListen,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from the defaults, an optional config file and
// environment variables.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	return LoadWithPaths(paths)
}

// LoadWithPaths is Load with an explicit path layout.
func LoadWithPaths(paths *Paths) (*Config, error) {
	cfg := Default()

	// Load from config file if exists
	if configFile := getConfigFilePath(paths); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	// Environment variables take precedence over the file
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.resolvePaths(paths)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg. Keys absent from the file keep
// their current value.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths anchors relative file locations to the executable directory
func (c *Config) resolvePaths(paths *Paths) {
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case "file":
			c.Store.Path = paths.LicenseFile
		default:
			c.Store.Path = paths.LicenseDB
		}
	} else if !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = paths.GetRelativePath(c.Store.Path)
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = paths.AppLog
	} else if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = paths.GetRelativePath(c.Logging.FilePath)
	}

	if c.Logging.AuditPath == "" {
		c.Logging.AuditPath = paths.AuditLog
	} else if !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = paths.GetRelativePath(c.Logging.AuditPath)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Store.Backend == "file" && c.Store.SealSecret == "" {
		return fmt.Errorf("store.seal_secret is required for the file backend")
	}

	if c.Status.Enabled && c.Status.Listen == "" {
		return fmt.Errorf("status.listen is required when the status API is enabled")
	}

	if _, err := time.LoadLocation(c.License.Timezone); err != nil {
		return fmt.Errorf("invalid license timezone %q: %w", c.License.Timezone, err)
	}

	if _, err := c.Server.PublicKeyBytes(); err != nil {
		return err
	}

	// Always JSON
	c.Logging.Format = "json"

	return nil
}

// PublicKeyBytes decodes the configured ed25519 public key
func (s ServerConfig) PublicKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid server public key: %w", err)
	}
	if len(key) != PublicKeySize {
		return nil, fmt.Errorf("invalid server public key: expected %d bytes, got %d", PublicKeySize, len(key))
	}
	return key, nil
}

// Location returns the business-day timezone
func (l LicenseConfig) Location() *time.Location {
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath(paths *Paths) string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		paths.ConfigFile,
		"config.yaml",
		filepath.Join("configs", "config.yaml"),
	}

	for _, location := range locations {
		if FileExists(location) {
			return location
		}
	}

	return ""
}
