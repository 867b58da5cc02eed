package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.streakchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Transport backends selectable per profile.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
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
	return []byte(d.Duration.String()), nil
}

// Settings is a profile's settings.toml.
type Settings struct {
	UserID         string   `toml:"user_id"`
	DisplayName    string   `toml:"display_name"`
	AvatarURL      string   `toml:"avatar_url"`
	TypingDebounce Duration `toml:"typing_debounce"`
	TypingTimeout  Duration `toml:"typing_timeout"`
	Transport      string   `toml:"transport"`
	RedisAddr      string   `toml:"redis_addr"`
	MetricsAddr    string   `toml:"metrics_addr"`
	LogLevel       string   `toml:"log_level"`
}

// Defaults returns the settings used when a profile has no settings.toml.
func Defaults() Settings {
	return Settings{
		TypingDebounce: Duration{500 * time.Millisecond},
		TypingTimeout:  Duration{3 * time.Second},
		Transport:      TransportMemory,
		RedisAddr:      "localhost:6379",
		LogLevel:       "info",
	}
}

// Validate checks settings a daemon cannot start without.
func (s Settings) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if s.TypingDebounce.Duration <= 0 {
		return fmt.Errorf("typing_debounce must be positive, got %s", s.TypingDebounce)
	}
	if s.TypingTimeout.Duration <= s.TypingDebounce.Duration {
		return fmt.Errorf("typing_timeout (%s) must exceed typing_debounce (%s)", s.TypingTimeout, s.TypingDebounce)
	}
	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch s.Transport {
	case TransportMemory:
	case TransportRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", s.Transport, TransportMemory, TransportRedis)
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
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
	return write(path, cfg)
}

// LoadSettings reads a profile's settings on top of Defaults. A missing
// file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes a profile's settings.
func SaveSettings(path string, s Settings) error {
	return write(path, s)
}

func write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
