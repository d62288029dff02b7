package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Address != ":8080" {
		t.Fatalf("Address = %q, want :8080", cfg.Address)
	}
	if cfg.DataDir != "./data" || cfg.MetaDir != "./meta" {
		t.Fatalf("dirs = %q / %q", cfg.DataDir, cfg.MetaDir)
	}
	if !cfg.Gzip {
		t.Fatalf("Gzip should default to true")
	}
	if cfg.Sessions.GCInterval != "5m" || cfg.Sessions.IdleTimeout != "30m" {
		t.Fatalf("session defaults = %q / %q", cfg.Sessions.GCInterval, cfg.Sessions.IdleTimeout)
	}
	if cfg.Scrubber.Enabled {
		t.Fatalf("scrubber should default to disabled")
	}
	if cfg.Tracing.Enabled || cfg.Tracing.Protocol != "grpc" || cfg.Tracing.ServiceName != "polystore" {
		t.Fatalf("tracing defaults = %+v", cfg.Tracing)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
address: ":9090"
adminAddress: ":9091"
dataDir: "/srv/blobs"
metaDir: "/srv/meta"
gzip: false
sessions:
  gcInterval: "1m"
  idleTimeout: "10m"
scrubber:
  enabled: true
  interval: "30m"
  grace: "2m"
tracing:
  enabled: true
  endpoint: "collector:4317"
  sampleRatio: 0.5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9090" || cfg.AdminAddress != ":9091" {
		t.Fatalf("addresses = %q / %q", cfg.Address, cfg.AdminAddress)
	}
	if cfg.DataDir != "/srv/blobs" || cfg.MetaDir != "/srv/meta" {
		t.Fatalf("dirs = %q / %q", cfg.DataDir, cfg.MetaDir)
	}
	if cfg.Gzip {
		t.Fatalf("gzip should be off")
	}
	if cfg.Sessions.GCInterval != "1m" || cfg.Sessions.IdleTimeout != "10m" {
		t.Fatalf("sessions = %+v", cfg.Sessions)
	}
	if !cfg.Scrubber.Enabled || cfg.Scrubber.Interval != "30m" || cfg.Scrubber.Grace != "2m" {
		t.Fatalf("scrubber = %+v", cfg.Scrubber)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.SampleRatio != 0.5 {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Tracing.ServiceName != "polystore" {
		t.Fatalf("ServiceName = %q, want default", cfg.Tracing.ServiceName)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":8080" {
		t.Fatalf("Address = %q, want default", cfg.Address)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("address: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLYSTORE_ADDR", ":7070")
	t.Setenv("POLYSTORE_ADMIN_ADDR", ":7071")
	t.Setenv("POLYSTORE_DATA_DIR", " /tmp/blobs ")
	t.Setenv("POLYSTORE_GZIP", "off")
	t.Setenv("POLYSTORE_SESSION_IDLE_TIMEOUT", "45m")
	t.Setenv("POLYSTORE_SCRUBBER_ENABLED", "yes")
	t.Setenv("POLYSTORE_TRACING_ENABLED", "1")
	t.Setenv("POLYSTORE_TRACING_PROTOCOL", "HTTP")
	t.Setenv("POLYSTORE_TRACING_SAMPLE", "2.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":7070" || cfg.AdminAddress != ":7071" {
		t.Fatalf("addresses = %q / %q", cfg.Address, cfg.AdminAddress)
	}
	if cfg.DataDir != "/tmp/blobs" {
		t.Fatalf("DataDir = %q, want trimmed override", cfg.DataDir)
	}
	if cfg.Gzip {
		t.Fatalf("gzip override ignored")
	}
	if cfg.Sessions.IdleTimeout != "45m" {
		t.Fatalf("IdleTimeout = %q", cfg.Sessions.IdleTimeout)
	}
	if !cfg.Scrubber.Enabled {
		t.Fatalf("scrubber override ignored")
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Protocol != "http" {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.SampleRatio != 1.0 {
		t.Fatalf("SampleRatio = %v, want clamped to 1.0", cfg.Tracing.SampleRatio)
	}
}

func TestEnvOverridesUnknownValuesIgnored(t *testing.T) {
	t.Setenv("POLYSTORE_GZIP", "maybe")
	t.Setenv("POLYSTORE_TRACING_PROTOCOL", "carrier-pigeon")
	t.Setenv("POLYSTORE_TRACING_SAMPLE", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Gzip {
		t.Fatalf("unrecognized gzip value should leave default")
	}
	if cfg.Tracing.Protocol != "grpc" {
		t.Fatalf("Protocol = %q, want default grpc", cfg.Tracing.Protocol)
	}
	if cfg.Tracing.SampleRatio != 0.0 {
		t.Fatalf("SampleRatio = %v, want default", cfg.Tracing.SampleRatio)
	}
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.DataDir = filepath.Join(base, "d", "nested")
	cfg.MetaDir = filepath.Join(base, "m")
	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.DataDir, cfg.MetaDir} {
		fi, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !fi.IsDir() {
			t.Fatalf("%s is not a directory", d)
		}
		if got := fi.Mode().Perm(); got != 0o700 {
			t.Fatalf("perm = %v, want 0700", got)
		}
	}
}

func TestDuration(t *testing.T) {
	cases := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"90s", time.Minute, 90 * time.Second},
		{"garbage", time.Minute, time.Minute},
		{"-5m", time.Minute, time.Minute},
		{"0s", time.Minute, time.Minute},
		{"2h", 0, 2 * time.Hour},
	}
	for _, tc := range cases {
		if got := Duration(tc.in, tc.def); got != tc.want {
			t.Fatalf("Duration(%q, %v) = %v, want %v", tc.in, tc.def, got, tc.want)
		}
	}
}
