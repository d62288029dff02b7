package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for polystore.
//
// YAML example:
//   address: ":8080"
//   adminAddress: ":8081"
//   dataDir: "./data"
//   metaDir: "./meta"
//   gzip: true
//   sessions:
//     gcInterval: "5m"
//     idleTimeout: "30m"
//   scrubber:
//     enabled: true
//     interval: "1h"
//     grace: "10m"
//
// Environment overrides:
//   POLYSTORE_ADDR overrides Address when set.
//   POLYSTORE_ADMIN_ADDR overrides AdminAddress.
//   POLYSTORE_DATA_DIR overrides DataDir.
//   POLYSTORE_META_DIR overrides MetaDir.
//   POLYSTORE_CONFIG path to YAML config file; if empty, loader tries ./config.yaml then defaults.
//
// Backward-compatible defaults should be maintained across versions.
// Avoid silently changing default directories.
type Config struct {
	Address      string         `yaml:"address"`
	AdminAddress string         `yaml:"adminAddress"` // optional separate admin/control-plane port
	DataDir      string         `yaml:"dataDir"`      // blob payloads (objects/ and staging/)
	MetaDir      string         `yaml:"metaDir"`      // bucket and object records
	Gzip         bool           `yaml:"gzip"`         // gzip-compress eligible responses
	Sessions     SessionConfig  `yaml:"sessions"`
	Scrubber     ScrubberConfig `yaml:"scrubber"`
	Tracing      TracingConfig  `yaml:"tracing"`
}

// SessionConfig controls the upload session reaper.
type SessionConfig struct {
	GCInterval  string `yaml:"gcInterval,omitempty"`  // e.g., "5m"; empty disables the loop
	IdleTimeout string `yaml:"idleTimeout,omitempty"` // e.g., "30m"
}

// ScrubberConfig controls background consistency scrubbing between the
// metadata store and the blob store.
type ScrubberConfig struct {
	Enabled         bool   `yaml:"enabled"`            // disabled by default
	Interval        string `yaml:"interval,omitempty"` // e.g., "1h"
	Grace           string `yaml:"grace,omitempty"`    // minimum age before drift is acted on, e.g., "10m"
	VerifyChecksums bool   `yaml:"verifyChecksums"`    // re-hash committed blobs against their records
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`              // OTLP collector endpoint (host:port or URL)
	Protocol    string  `yaml:"protocol,omitempty"`    // "grpc" (default) or "http"
	SampleRatio float64 `yaml:"sampleRatio,omitempty"` // 0.0 - 1.0
	ServiceName string  `yaml:"serviceName,omitempty"` // override service.name; default "polystore"
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address:      ":8080",
		AdminAddress: "",
		DataDir:      "./data",
		MetaDir:      "./meta",
		Gzip:         true,
		Sessions: SessionConfig{
			GCInterval:  "5m",
			IdleTimeout: "30m",
		},
		Scrubber: ScrubberConfig{
			Enabled:  false,
			Interval: "1h",
			Grace:    "10m",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Protocol:    "grpc",
			SampleRatio: 0.0,
			ServiceName: "polystore",
		},
	}
}

// Load reads configuration from path. If path is empty, it consults
// POLYSTORE_CONFIG and then ./config.yaml; if neither exists, returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("POLYSTORE_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		cfg := Default()
		return applyEnvOverrides(cfg), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			return applyEnvOverrides(cfg), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyEnvOverrides(cfg)
	return cfg, nil
}

// EnsureDirs creates the data and metadata directories with 0700 if they don't exist.
func EnsureDirs(cfg Config) error {
	for _, d := range []string{cfg.DataDir, cfg.MetaDir} {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("abs path %q: %w", d, err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return fmt.Errorf("mkdir %q: %w", abs, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("POLYSTORE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("POLYSTORE_ADMIN_ADDR"); v != "" {
		cfg.AdminAddress = v
	}
	if v := os.Getenv("POLYSTORE_DATA_DIR"); v != "" {
		cfg.DataDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_META_DIR"); v != "" {
		cfg.MetaDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_GZIP"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Gzip = true
		case "0", "false", "no", "n", "off":
			cfg.Gzip = false
		}
	}

	// Session reaper overrides
	if v := os.Getenv("POLYSTORE_SESSION_GC_INTERVAL"); v != "" {
		cfg.Sessions.GCInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_SESSION_IDLE_TIMEOUT"); v != "" {
		cfg.Sessions.IdleTimeout = strings.TrimSpace(v)
	}

	// Scrubber overrides
	if v := os.Getenv("POLYSTORE_SCRUBBER_ENABLED"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Scrubber.Enabled = true
		case "0", "false", "no", "n", "off":
			cfg.Scrubber.Enabled = false
		}
	}
	if v := os.Getenv("POLYSTORE_SCRUBBER_INTERVAL"); v != "" {
		cfg.Scrubber.Interval = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_SCRUBBER_GRACE"); v != "" {
		cfg.Scrubber.Grace = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_SCRUBBER_VERIFY"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Scrubber.VerifyChecksums = true
		case "0", "false", "no", "n", "off":
			cfg.Scrubber.VerifyChecksums = false
		}
	}

	// Tracing overrides
	if v := os.Getenv("POLYSTORE_TRACING_ENABLED"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Tracing.Enabled = true
		case "0", "false", "no", "n", "off":
			cfg.Tracing.Enabled = false
		}
	}
	if v := os.Getenv("POLYSTORE_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYSTORE_TRACING_PROTOCOL"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "grpc" || p == "http" {
			cfg.Tracing.Protocol = p
		}
	}
	if v := os.Getenv("POLYSTORE_TRACING_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			cfg.Tracing.SampleRatio = f
		}
	}
	if v := os.Getenv("POLYSTORE_TRACING_SERVICE"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}

	return cfg
}

// Duration parses a duration string, returning def when the value is empty
// or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
