package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error for missing file: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("default timeout = %d, want 30", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Chaos.FailureRate != 50 {
		t.Errorf("default failure rate = %d, want 50", cfg.Chaos.FailureRate)
	}
	if cfg.Chaos.RetryAfterSeconds != 5 {
		t.Errorf("default retry after = %d, want 5", cfg.Chaos.RetryAfterSeconds)
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0] != "chaos" {
		t.Errorf("default plugins = %v", cfg.Plugins)
	}
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9001
upstream:
  timeout_seconds: 10
urls_to_watch:
  - "https://api.example.com/*"
  - "!https://api.example.com/health"
recording:
  auto_start: true
chaos:
  failure_rate: 25
  retry_after_seconds: 7
  allowed_errors: [429, 503]
latency:
  min_ms: 100
  max_ms: 500
rewrites:
  - pattern: "api\\.example\\.com"
    replacement: "staging.example.com"
plugins: [latency, chaos]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.URLsToWatch) != 2 {
		t.Errorf("urls_to_watch = %v", cfg.URLsToWatch)
	}
	if !cfg.Recording.AutoStart {
		t.Error("auto_start not read")
	}
	if cfg.Chaos.FailureRate != 25 || cfg.Chaos.RetryAfterSeconds != 7 {
		t.Errorf("chaos = %+v", cfg.Chaos)
	}
	if len(cfg.Chaos.AllowedErrors) != 2 || cfg.Chaos.AllowedErrors[0] != 429 {
		t.Errorf("allowed_errors = %v", cfg.Chaos.AllowedErrors)
	}
	if cfg.Latency.MinMs != 100 || cfg.Latency.MaxMs != 500 {
		t.Errorf("latency = %+v", cfg.Latency)
	}
	if len(cfg.Rewrites) != 1 || cfg.Rewrites[0].Replacement != "staging.example.com" {
		t.Errorf("rewrites = %+v", cfg.Rewrites)
	}
	if len(cfg.Plugins) != 2 || cfg.Plugins[0] != "latency" {
		t.Errorf("plugins = %v", cfg.Plugins)
	}
}

func TestFailureRateRange(t *testing.T) {
	for _, rate := range []string{"-1", "101"} {
		path := writeConfig(t, "chaos:\n  failure_rate: "+rate+"\n")
		if _, err := Load(path); err == nil {
			t.Errorf("failure_rate %s accepted", rate)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SNARE_SERVER__PORT", "9999")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("env override port = %d, want 9999", cfg.Server.Port)
	}
}

func TestEnvVarSubstitutionInPaths(t *testing.T) {
	t.Setenv("SNARE_DATA_DIR", "/var/snare")
	path := writeConfig(t, `
mocks:
  file: "${SNARE_DATA_DIR}/mocks.yaml"
report:
  sqlite_path: "${SNARE_DATA_DIR}/snare.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Mocks.File != "/var/snare/mocks.yaml" {
		t.Errorf("mocks.file = %q", cfg.Mocks.File)
	}
	if cfg.Report.SQLitePath != "/var/snare/snare.db" {
		t.Errorf("report.sqlite_path = %q", cfg.Report.SQLitePath)
	}
}

func TestMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}
