// Package config loads the optional --config override file. CLI flags
// remain the primary configuration surface; this package only supplies
// defaults and a way to pin them outside a shell one-liner, following a
// versioned-schema loader: a version header is read first and routed to a
// version-specific loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only schema version this loader currently understands.
const SchemaVersion = 1

// Defaults mirror the CLI flag defaults.
const (
	DefaultConcurrentAccounts  = 4
	DefaultConcurrentManifests = 16
	DefaultDownloadAttempts    = 30
	DefaultDownloadRetryDelay  = 10 * time.Second
)

// Config holds the tunables an operator may pin in a --config file instead
// of repeating them as flags on every invocation.
type Config struct {
	ConcurrentAccounts  int
	ConcurrentManifests int
	DownloadAttempts    int
	DownloadRetryDelay  time.Duration
	StatusAddr          string
}

// Default returns the CLI flag defaults.
func Default() Config {
	return Config{
		ConcurrentAccounts:  DefaultConcurrentAccounts,
		ConcurrentManifests: DefaultConcurrentManifests,
		DownloadAttempts:    DefaultDownloadAttempts,
		DownloadRetryDelay:  DefaultDownloadRetryDelay,
		StatusAddr:          "",
	}
}

type versionHeader struct {
	Version *int `yaml:"version"`
}

type configV1 struct {
	Version             int    `yaml:"version"`
	ConcurrentAccount   int    `yaml:"concurrent_account,omitempty"`
	ConcurrentManifest  int    `yaml:"concurrent_manifest,omitempty"`
	DownloadAttempts    int    `yaml:"download_attempts,omitempty"`
	DownloadRetryDelay  string `yaml:"download_retry_delay,omitempty"`
	StatusAddr          string `yaml:"status_addr,omitempty"`
}

// LoadFile reads path and overlays its values onto base, returning the
// merged Config. Fields absent from the file leave base's value untouched,
// so CLI flags (passed in as base) only get overridden where the file is
// explicit.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}

	var header versionHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if header.Version == nil {
		return base, errors.New("config: version field is required")
	}

	switch *header.Version {
	case SchemaVersion:
		return loadV1(data, base)
	default:
		return base, fmt.Errorf("config: unsupported schema version %d (supported: %d)", *header.Version, SchemaVersion)
	}
}

func loadV1(data []byte, base Config) (Config, error) {
	var v1 configV1
	if err := yaml.Unmarshal(data, &v1); err != nil {
		return base, fmt.Errorf("config: parse v1: %w", err)
	}

	cfg := base
	if v1.ConcurrentAccount > 0 {
		cfg.ConcurrentAccounts = v1.ConcurrentAccount
	}
	if v1.ConcurrentManifest > 0 {
		cfg.ConcurrentManifests = v1.ConcurrentManifest
	}
	if v1.DownloadAttempts > 0 {
		cfg.DownloadAttempts = v1.DownloadAttempts
	}
	if v1.DownloadRetryDelay != "" {
		d, err := time.ParseDuration(v1.DownloadRetryDelay)
		if err != nil {
			return base, fmt.Errorf("config: parse download_retry_delay: %w", err)
		}
		cfg.DownloadRetryDelay = d
	}
	if v1.StatusAddr != "" {
		cfg.StatusAddr = v1.StatusAddr
	}
	return cfg, nil
}
