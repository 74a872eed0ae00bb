// Package config loads the core's YAML configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evidentsys/evident/digest"
)

// Config holds every option the core recognizes.
type Config struct {
	MACKey             string `yaml:"mac_key" json:"mac_key"` // 32-byte hex, required
	WindowDurationS    uint64 `yaml:"window_duration_s" json:"window_duration_s"`
	WindowCapacity     uint64 `yaml:"window_capacity" json:"window_capacity"`
	MaxLogMessageBytes int    `yaml:"max_log_message_bytes" json:"max_log_message_bytes"`
	BundleMaxBytes     uint64 `yaml:"bundle_max_bytes" json:"bundle_max_bytes"`
	ShardCount         int    `yaml:"shard_count" json:"shard_count"`

	ChainDir   string `yaml:"chain_dir" json:"chain_dir"`     // file store directory ("" = in memory)
	ChainDSN   string `yaml:"chain_dsn" json:"chain_dsn"`     // sqlite DSN; takes precedence over chain_dir
	VersionDSN string `yaml:"version_dsn" json:"version_dsn"` // sqlite DSN for the version log
	Listen     string `yaml:"listen" json:"listen"`           // collector listen address
}

// Defaults mirrors the option table in the format specification.
func Defaults() *Config {
	return &Config{
		WindowDurationS:    60,
		WindowCapacity:     100,
		MaxLogMessageBytes: 65536,
		BundleMaxBytes:     5242880,
		ShardCount:         64,
		Listen:             "localhost:9440",
	}
}

// DefaultPath returns the default config file path: ~/.evident/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".evident", "config.yaml")
	}
	return filepath.Join(home, ".evident", "config.yaml")
}

// ErrNoKey is returned when mac_key is absent.
var ErrNoKey = errors.New("mac_key is required")

// Load reads and validates the configuration at path. A missing file
// yields defaults (the key must then come from elsewhere, e.g. a flag).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	// The file carries the MAC key; warn when group or others have access.
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o — expected 0600. "+
				"The MAC key may be exposed to other users.\n", path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges. The key is validated only if present,
// so a config file without one can still be completed by flags.
func (c *Config) Validate() error {
	if c.MACKey != "" {
		if _, err := c.Key(); err != nil {
			return err
		}
	}
	if c.WindowDurationS == 0 {
		return errors.New("window_duration_s must be positive")
	}
	if c.WindowCapacity == 0 {
		return errors.New("window_capacity must be positive")
	}
	if c.MaxLogMessageBytes <= 0 {
		return errors.New("max_log_message_bytes must be positive")
	}
	if c.ShardCount <= 0 {
		return errors.New("shard_count must be positive")
	}
	return nil
}

// Key decodes the configured MAC key.
func (c *Config) Key() ([]byte, error) {
	if c.MACKey == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(c.MACKey)
	if err != nil {
		return nil, fmt.Errorf("mac_key is not hex: %w", err)
	}
	if len(key) != digest.KeySize {
		return nil, fmt.Errorf("mac_key must be %d bytes, got %d", digest.KeySize, len(key))
	}
	return key, nil
}

// WindowDuration returns the limiter window as a Duration.
func (c *Config) WindowDuration() time.Duration {
	return time.Duration(c.WindowDurationS) * time.Second
}
