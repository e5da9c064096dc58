package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store backends for the message cache.
const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Duration is a time.Duration written as a string such as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	BackendURL     string `toml:"backend_url"`
	SocketURL      string `toml:"socket_url"`
	DeviceInfo     string `toml:"device_info"`
	StoreBackend   string `toml:"store_backend"`
	MediaLibrary   string `toml:"media_library"`
	MetricsAddr    string `toml:"metrics_addr"`

	Transport Transport `toml:"transport"`
	Timeline  Timeline  `toml:"timeline"`
	Media     Media     `toml:"media"`
}

// Transport holds the live connection timings.
type Transport struct {
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	AckTimeout       Duration `toml:"ack_timeout"`
	BaseDelay        Duration `toml:"base_delay"`
	MaxDelay         Duration `toml:"max_delay"`
	MaxAttempts      int      `toml:"max_attempts"`
	LivenessInterval Duration `toml:"liveness_interval"`
}

// Timeline sizes history pages and the persisted cache.
type Timeline struct {
	PageSize   int `toml:"page_size"`
	CacheLimit int `toml:"cache_limit"`
}

// Media bounds transfers.
type Media struct {
	TransferTimeout Duration `toml:"transfer_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StoreBackend: StoreSQLite,
		DeviceInfo:   "chatsync",
		Transport: Transport{
			HandshakeTimeout: Duration{10 * time.Second},
			AckTimeout:       Duration{10 * time.Second},
			BaseDelay:        Duration{time.Second},
			MaxDelay:         Duration{10 * time.Second},
			MaxAttempts:      5,
			LivenessInterval: Duration{30 * time.Second},
		},
		Timeline: Timeline{PageSize: 20, CacheLimit: 300},
		Media:    Media{TransferTimeout: Duration{30 * time.Second}},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to the defaults when the file does not
// exist. Endpoint overrides from envPath and the process environment are
// applied last.
func LoadOrDefault(path, envPath string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the endpoints from BACKEND_URL and SOCKET_URL, read
// first from the .env file at envPath (when present) and then from the
// process environment.
func (c *Config) ApplyEnv(envPath string) error {
	vars := map[string]string{}
	if envPath != "" {
		m, err := godotenv.Read(envPath)
		switch {
		case err == nil:
			vars = m
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read %s: %w", envPath, err)
		}
	}
	for _, key := range []string{"BACKEND_URL", "SOCKET_URL"} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			vars[key] = v
		}
	}
	if v := vars["BACKEND_URL"]; v != "" {
		c.BackendURL = v
	}
	if v := vars["SOCKET_URL"]; v != "" {
		c.SocketURL = v
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreSQLite, StoreBolt:
	default:
		return fmt.Errorf("store_backend %q: must be %q or %q", c.StoreBackend, StoreSQLite, StoreBolt)
	}
	if c.Transport.MaxAttempts < 0 {
		return fmt.Errorf("transport.max_attempts must not be negative")
	}
	if c.Timeline.PageSize <= 0 || c.Timeline.CacheLimit <= 0 {
		return fmt.Errorf("timeline.page_size and timeline.cache_limit must be positive")
	}
	return nil
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
