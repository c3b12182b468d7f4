package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.snippetd/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Listen         string  `toml:"listen"`
	Storage        Storage `toml:"storage"`
	Cache          Cache   `toml:"cache"`
	Replay         Replay  `toml:"replay"`
}

// Storage holds the Supabase collaborator settings.
type Storage struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
	Bucket string `toml:"bucket"`
}

// Cache holds message cache tuning.
type Cache struct {
	FlushIntervalSeconds int `toml:"flush_interval_seconds"`
}

// Replay holds history replay tuning.
type Replay struct {
	BatchSize         int `toml:"batch_size"`
	BatchDelaySeconds int `toml:"batch_delay_seconds"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Listen:  "127.0.0.1:3000",
		Storage: Storage{Bucket: "whatsapp-media"},
		Cache:   Cache{FlushIntervalSeconds: 60},
		Replay:  Replay{BatchSize: 5, BatchDelaySeconds: 2},
	}
}

// Load reads config from the given path. Returns error if file missing.
// Zero-valued tuning fields are backfilled with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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

// FlushInterval returns the cache flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Cache.FlushIntervalSeconds) * time.Second
}

// BatchDelay returns the replay inter-batch delay as a duration.
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.Replay.BatchDelaySeconds) * time.Second
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = def.Storage.Bucket
	}
	if c.Cache.FlushIntervalSeconds <= 0 {
		c.Cache.FlushIntervalSeconds = def.Cache.FlushIntervalSeconds
	}
	if c.Replay.BatchSize <= 0 {
		c.Replay.BatchSize = def.Replay.BatchSize
	}
	if c.Replay.BatchDelaySeconds < 0 {
		c.Replay.BatchDelaySeconds = def.Replay.BatchDelaySeconds
	}
}
