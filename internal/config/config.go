// Package config loads the engine's YAML configuration. Every field has a
// safe default; a missing config file is not an error.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls engine behavior. Fields omitted from the file keep the
// values from Default; explicit zeros are honored, so idle_timeout: 0
// disables the watchdog and audit_db_path: "" disables auditing.
type Config struct {
	// DangerModeTimeout is how long Danger Mode stays armed without use.
	DangerModeTimeout Duration `yaml:"danger_mode_timeout,omitempty"`

	// BatteryWarnPercent triggers the preflight battery advisory below
	// this charge level.
	BatteryWarnPercent int `yaml:"battery_warn_percent,omitempty"`

	// BlockSizeBytes is the chunk size for block copies and digests.
	BlockSizeBytes int64 `yaml:"block_size_bytes,omitempty"`

	// IdleTimeout fails a running job that reports no progress for this
	// long. Zero disables the watchdog.
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`

	// Compression names the image compressor: zstd, lz4, gzip, none, or
	// empty for the best available.
	Compression string `yaml:"compression,omitempty"`

	// AuditDBPath locates the audit database. Empty disables auditing.
	AuditDBPath string `yaml:"audit_db_path,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DangerModeTimeout:  Duration(5 * time.Minute),
		BatteryWarnPercent: 50,
		BlockSizeBytes:     64 << 20,
		IdleTimeout:        Duration(10 * time.Minute),
		AuditDBPath:        defaultAuditPath(),
	}
}

func defaultAuditPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "diskforge-audit.db"
	}
	return dir + "/diskforge/audit.db"
}

// Load reads the config file at path and merges it over the defaults.
// A missing file returns the defaults unchanged.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults, so only the keys
// present in the file change anything. Unknown fields are rejected to
// catch typos.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DangerModeTimeout < 0 {
		return fmt.Errorf("danger_mode_timeout must not be negative")
	}
	if c.BatteryWarnPercent < 0 || c.BatteryWarnPercent > 100 {
		return fmt.Errorf("battery_warn_percent must be between 0 and 100")
	}
	if c.BlockSizeBytes < 512 {
		return fmt.Errorf("block_size_bytes must be at least 512")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	switch c.Compression {
	case "", "none", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}
