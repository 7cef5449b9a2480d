package config

import "time"

// Application constants
const (
	AppName      = "MineWater Balance"
	DefaultAppID = "minewater-balance"

	// License policy defaults
	DefaultGraceWindow         = 7 * 24 * time.Hour
	DefaultTamperTolerance     = 5 * time.Minute
	DefaultManualQuota         = 3
	DefaultMaxTransfers        = 3
	DefaultVerifyTimeout       = 5 * time.Second
	DefaultBackgroundInterval  = 30 * time.Minute
	DefaultSimilarityThreshold = 0.60
	DefaultTimezone            = "Africa/Johannesburg"

	// License server
	DefaultVerifyURL = "https://license.minewater.app/api/v1/verify"
	PublicKeySize    = 32 // ed25519

	// Local status API
	DefaultStatusListen = "127.0.0.1:8787"

	// File names (relative to executable)
	ConfigFileName   = "config.yaml"
	LicenseDBName    = "license.db"
	LicenseFileName  = "license.dat"
	AppLogFileName   = "license-agent.log"
	AuditLogFileName = "license_audit.jsonl"
	DefaultDataDir   = "data"
	DefaultLogsDir   = "logs"
)
