package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Store.Path != def.Store.Path {
		t.Errorf("Expected default store path %s, got %s", def.Store.Path, cfg.Store.Path)
	}
	if cfg.Sync.Workers != def.Sync.Workers {
		t.Errorf("Expected default workers %d, got %d", def.Sync.Workers, cfg.Sync.Workers)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
store:
  path: /tmp/test-sync.db
remote:
  base_url: https://sync.example.com/v1
  timeout_seconds: 10
sync:
  workers: 8
  backoff:
    initial_ms: 500
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Store.Path != "/tmp/test-sync.db" {
		t.Errorf("Store path not overridden: %s", cfg.Store.Path)
	}
	if cfg.RemoteTimeout() != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %s", cfg.RemoteTimeout())
	}
	if cfg.Sync.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Sync.Workers)
	}
	if cfg.Sync.Backoff.InitialMS != 500 {
		t.Errorf("Expected 500ms initial backoff, got %d", cfg.Sync.Backoff.InitialMS)
	}
	// Fields the file omits keep their defaults.
	if cfg.KDF.Memory != DefaultConfig().KDF.Memory {
		t.Errorf("KDF memory lost its default: %d", cfg.KDF.Memory)
	}
	if cfg.Sync.Backoff.Multiplier != 2.0 {
		t.Errorf("Backoff multiplier lost its default: %g", cfg.Sync.Backoff.Multiplier)
	}
}

func TestEngineConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	ec := cfg.EngineConfig()
	if ec.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", ec.Workers)
	}
	if ec.PollInterval != 2*time.Second {
		t.Errorf("Expected 2s poll interval, got %s", ec.PollInterval)
	}
	if ec.Backoff.Initial != time.Second || ec.Backoff.Max != 2*time.Minute {
		t.Errorf("Backoff conversion wrong: %+v", ec.Backoff)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
sync:
  workers: 0
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected validation error for zero workers")
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store: [not a map"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected parse error for malformed YAML")
	}
}
