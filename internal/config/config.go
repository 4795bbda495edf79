package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.locus/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Backend holds the hosted backend endpoints and credentials.
	Backend Backend `toml:"backend"`
}

// Backend configures the hosted data/auth/realtime backend.
type Backend struct {
	// BaseURL is the REST endpoint, e.g. https://api.locus.example.
	BaseURL string `toml:"base_url"`
	// RealtimeURL is the websocket change-feed endpoint,
	// e.g. wss://realtime.locus.example/feed.
	RealtimeURL string `toml:"realtime_url"`
	// APIKey is the project-scoped anonymous key sent with every request.
	APIKey string `toml:"api_key"`
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks that the backend endpoints required by the daemon are set.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url is required")
	}
	if c.Backend.RealtimeURL == "" {
		return fmt.Errorf("config: backend.realtime_url is required")
	}
	return nil
}
