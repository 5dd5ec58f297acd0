// Package config loads the daemon configuration from ~/.convsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Store          StoreConfig    `toml:"store"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Cache          CacheConfig    `toml:"cache"`
	HTTP           HTTPConfig     `toml:"http"`
	Sync           SyncConfig     `toml:"sync"`
	Users          UsersConfig    `toml:"users"`
	Log            LogConfig      `toml:"log"`
	Tracing        TracingConfig  `toml:"tracing"`
}

// StoreConfig selects where conversations and messages are persisted.
// Driver is "sqlite" (Path, default under the profile dir) or "postgres" (URL).
type StoreConfig struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
}

// RealtimeConfig selects the pub/sub transport: "local" or "nats".
type RealtimeConfig struct {
	Transport     string `toml:"transport"`
	NATSURL       string `toml:"nats_url"`
	NATSToken     string `toml:"nats_token"`
	SubjectPrefix string `toml:"subject_prefix"`
	BufferSize    int    `toml:"buffer_size"`
}

// CacheConfig selects the read-through cache backend: "memory" or "redis".
type CacheConfig struct {
	Backend   string `toml:"backend"`
	RedisURL  string `toml:"redis_url"`
	KeyPrefix string `toml:"key_prefix"`
}

// HTTPConfig controls the local API. An empty Listen serves on the profile's
// unix socket.
type HTTPConfig struct {
	Listen             string `toml:"listen"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// SyncConfig tunes handle paging and conversation lists.
type SyncConfig struct {
	PageSize              int `toml:"page_size"`
	ConversationListLimit int `toml:"conversation_list_limit"`
}

// UsersConfig points at the external user service used for profile lookups.
type UsersConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type TracingConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "sqlite", MaxConns: 8},
		Realtime: RealtimeConfig{Transport: "local", SubjectPrefix: "convsync.conversation.", BufferSize: 256},
		Cache:    CacheConfig{Backend: "memory", KeyPrefix: "convsync:"},
		HTTP:     HTTPConfig{RateLimitPerMinute: 600},
		Sync:     SyncConfig{PageSize: 30, ConversationListLimit: 50},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return errors.New("store: postgres driver requires url")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	switch c.Realtime.Transport {
	case "local":
	case "nats":
		if c.Realtime.NATSURL == "" {
			return errors.New("realtime: nats transport requires nats_url")
		}
		if strings.ContainsAny(c.Realtime.SubjectPrefix, " *>") {
			return fmt.Errorf("realtime: invalid subject prefix %q", c.Realtime.SubjectPrefix)
		}
	default:
		return fmt.Errorf("realtime: unknown transport %q", c.Realtime.Transport)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("cache: redis backend requires redis_url")
		}
	default:
		return fmt.Errorf("cache: unknown backend %q", c.Cache.Backend)
	}

	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync: page_size must be positive, got %d", c.Sync.PageSize)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
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
