// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"feedwall/pkg/feed"
)

// Preference backends.
const (
	PrefsCookie  = "cookie"
	PrefsStorage = "storage"
)

// Config holds all runtime settings.
type Config struct {
	Port              string `yaml:"port"`
	FeedSource        string `yaml:"feed_source"`    // http(s) URL, gs://bucket/key or file path
	StorageBucket     string `yaml:"storage_bucket"` // Cloud Storage bucket for profiles
	LocalStorage      string `yaml:"local_storage"`  // Local directory used when no bucket is set
	PrefsBackend      string `yaml:"prefs_backend"`
	AccountMode       string `yaml:"account_mode"`
	LegacyOrderDigits int    `yaml:"legacy_order_digits"`
	LogLevel          string `yaml:"log_level"`
	SecureCookies     bool   `yaml:"secure_cookies"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:              "8080",
		FeedSource:        "./feed_data.json",
		PrefsBackend:      PrefsCookie,
		AccountMode:       string(feed.AccountModeExclusive),
		LegacyOrderDigits: 4,
		LogLevel:          "info",
		SecureCookies:     true,
	}
}

// Load reads path (if non-empty), applies environment overrides and fills
// in defaults. A missing file is an error only when path was given. Without a
// bucket or local directory the service runs in local development mode, where
// cookies are not marked Secure unless secure_cookies is set explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	secureSet := false

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		var explicit struct {
			SecureCookies *bool `yaml:"secure_cookies"`
		}
		if err := yaml.Unmarshal(data, &explicit); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		secureSet = explicit.SecureCookies != nil
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if os.Getenv("SECURE_COOKIES") != "" {
		secureSet = true
	}

	// Default to local development mode if no bucket specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
		// Development servers run over plain HTTP, where browsers drop Secure cookies.
		if !secureSet {
			cfg.SecureCookies = false
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PORT":           &c.Port,
		"FEED_SOURCE":    &c.FeedSource,
		"STORAGE_BUCKET": &c.StorageBucket,
		"LOCAL_STORAGE":  &c.LocalStorage,
		"PREFS_BACKEND":  &c.PrefsBackend,
		"ACCOUNT_MODE":   &c.AccountMode,
		"LOG_LEVEL":      &c.LogLevel,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LEGACY_ORDER_DIGITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEGACY_ORDER_DIGITS: %w", err)
		}
		c.LegacyOrderDigits = n
	}
	if v := os.Getenv("SECURE_COOKIES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SECURE_COOKIES: %w", err)
		}
		c.SecureCookies = b
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if strings.TrimSpace(c.FeedSource) == "" {
		errs = append(errs, errors.New("feed_source is required"))
	}
	switch c.PrefsBackend {
	case PrefsCookie, PrefsStorage:
	default:
		errs = append(errs, fmt.Errorf("invalid prefs_backend %q (want %s or %s)", c.PrefsBackend, PrefsCookie, PrefsStorage))
	}
	switch feed.AccountMode(c.AccountMode) {
	case feed.AccountModeExclusive, feed.AccountModeHidden:
	default:
		errs = append(errs, fmt.Errorf("invalid account_mode %q", c.AccountMode))
	}
	if c.LegacyOrderDigits != 4 && c.LegacyOrderDigits != 6 {
		errs = append(errs, fmt.Errorf("invalid legacy_order_digits %d (want 4 or 6)", c.LegacyOrderDigits))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// Mode returns the account mode as a domain value.
func (c *Config) Mode() feed.AccountMode {
	return feed.AccountMode(c.AccountMode)
}
