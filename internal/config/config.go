package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AnakAmira/amira-securesync/internal/keys"
	"github.com/AnakAmira/amira-securesync/internal/syncer"
)

// Config holds the sync daemon configuration
type Config struct {
	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Remote API configuration
	Remote RemoteConfig `yaml:"remote"`

	// Sync engine configuration
	Sync SyncConfig `yaml:"sync"`

	// Key derivation configuration
	KDF keys.KDFParams `yaml:"kdf"`
}

// StoreConfig holds local database settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig holds sync server connection settings
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	PollIntervalMS int           `yaml:"poll_interval_ms"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds retry delay settings
type BackoffConfig struct {
	InitialMS  int     `yaml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.Backoff.Jitter < 0 || c.Sync.Backoff.Jitter > 1 {
		return fmt.Errorf("sync.backoff.jitter must be within [0, 1], got %g", c.Sync.Backoff.Jitter)
	}
	if c.KDF.Time < 1 || c.KDF.Memory < 1 || c.KDF.Threads < 1 {
		return fmt.Errorf("kdf parameters must be positive")
	}
	return nil
}

// EngineConfig converts the file representation into engine settings.
func (c *Config) EngineConfig() syncer.Config {
	return syncer.Config{
		Workers:      int64(c.Sync.Workers),
		MaxRetries:   c.Sync.MaxRetries,
		PollInterval: time.Duration(c.Sync.PollIntervalMS) * time.Millisecond,
		Backoff: syncer.Backoff{
			Initial:    time.Duration(c.Sync.Backoff.InitialMS) * time.Millisecond,
			Max:        time.Duration(c.Sync.Backoff.MaxMS) * time.Millisecond,
			Multiplier: c.Sync.Backoff.Multiplier,
			Jitter:     c.Sync.Backoff.Jitter,
		},
	}
}

// RemoteTimeout returns the HTTP client timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "/var/lib/amira/sync.db",
		},
		Remote: RemoteConfig{
			BaseURL:        "https://sync.amira.app/v1",
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			Workers:        4,
			MaxRetries:     6,
			PollIntervalMS: 2000,
			Backoff: BackoffConfig{
				InitialMS:  1000,
				MaxMS:      120000,
				Multiplier: 2.0,
				Jitter:     0.1,
			},
		},
		KDF: keys.DefaultKDFParams(),
	}
}
