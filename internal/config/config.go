// Package config provides configuration types and defaults for easync.
package config

import (
	"os"
	"path/filepath"
)

// AccountConfig declares one Exchange account in the config file. The
// store row is reconciled from this at startup and whenever the file
// changes.
type AccountConfig struct {
	Name          string `mapstructure:"name"`
	EmailAddress  string `mapstructure:"email_address"`
	Host          string `mapstructure:"host"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	UseTLS        *bool  `mapstructure:"use_tls"`         // nil = true
	TrustAllCerts bool   `mapstructure:"trust_all_certs"` // self-signed servers
	SyncLookback  string `mapstructure:"sync_lookback"`   // all, 1d, 3d, 1w, 2w, 1m
}

// TLSEnabled returns whether the account uses HTTPS (defaults to true).
func (a AccountConfig) TLSEnabled() bool {
	return a.UseTLS == nil || *a.UseTLS
}

// SyncConfig holds the auto-sync gates.
type SyncConfig struct {
	BackgroundData bool `mapstructure:"background_data"`
	MasterAutoSync bool `mapstructure:"master_auto_sync"`
	Contacts       bool `mapstructure:"contacts"`
	Calendar       bool `mapstructure:"calendar"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	// Default: "none"
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for easync.
type Config struct {
	// DataDir holds the database, the deviceName file and downloaded
	// attachments. Default: ~/.local/share/easync
	DataDir string `mapstructure:"data_dir"`

	// LogPath is the debug log file. Default: <DataDir>/easync.log
	LogPath string `mapstructure:"log_path"`

	Debug    bool            `mapstructure:"debug"`
	Sync     SyncConfig      `mapstructure:"sync"`
	Tracing  TracingConfig   `mapstructure:"tracing"`
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// DBPath returns the sqlite database location.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "easync.db")
}

// ResolvedLogPath returns the log file location, applying the default.
func (c Config) ResolvedLogPath() string {
	if c.LogPath != "" {
		return c.LogPath
	}
	return filepath.Join(c.DataDir, "easync.log")
}

// DefaultDataDir returns ~/.local/share/easync, or a relative fallback
// when the home directory is unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "easync-data"
	}
	return filepath.Join(home, ".local", "share", "easync")
}

// DefaultConfigPath returns ~/.config/easync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "easync", "config.yaml")
}

// Defaults returns the configuration used when no file exists.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Sync: SyncConfig{
			BackgroundData: true,
			MasterAutoSync: true,
			Contacts:       true,
			Calendar:       true,
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}
