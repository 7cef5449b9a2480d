// Package config provides configuration loading for the license agent.
//
// # Configuration Sources
//
// Configuration is assembled in this order, later sources winning:
//
//  1. Built-in defaults (Default)
//  2. YAML file (MINEWATER_CONFIG, or config.yaml next to the executable)
//  3. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern MINEWATER_<SECTION>_<FIELD>:
//
//	MINEWATER_LICENSE_GRACE_WINDOW=168h
//	MINEWATER_LICENSE_TIMEZONE=Africa/Johannesburg
//	MINEWATER_SERVER_VERIFY_URL=https://license.example.com/api/v1/verify
//	MINEWATER_SERVER_PUBLIC_KEY=<base64 ed25519 key>
//	MINEWATER_STORE_BACKEND=sqlite
//	MINEWATER_LOGGING_LEVEL=debug
//
// # Paths
//
// Relative paths are resolved against the executable directory, never the
// working directory, so the agent behaves the same when launched by the GUI
// or from a shell.
package config
