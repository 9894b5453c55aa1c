package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Integration tests that exercise the full LoadFrom pipeline:
// defaults < YAML < environment variables.

func TestLoadFrom_FullHierarchy(t *testing.T) {
	// YAML sets port=9090, env overrides to 7070. Env must win.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CCMULTI_PORT", "7070")
	t.Setenv("CCMULTI_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env should override YAML: got level %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadFrom_YAMLPartialOverride(t *testing.T) {
	// YAML sets only sessions.sweep_interval; all other fields keep defaults.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
sessions:
  sweep_interval: 30s
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Sessions.SweepInterval != 30*time.Second {
		t.Errorf("got sweep_interval %v, want 30s", cfg.Sessions.SweepInterval)
	}
	if cfg.Sessions.IdleTimeout != time.Minute {
		t.Errorf("default idle_timeout clobbered: got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port clobbered: got %q", cfg.Server.Port)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(yamlPath); err == nil {
		t.Fatal("malformed YAML should fail loading")
	}
}

func TestLoadFrom_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
sessions:
  max_sessions: -1
`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(yamlPath); err == nil {
		t.Fatal("invalid config should fail validation")
	}
}
