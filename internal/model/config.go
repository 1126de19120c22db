package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SyncQuotaBytesPerItem is the per-item size limit for the synced
// settings scope. Writers must fail loudly when a section exceeds it
// rather than silently truncating.
const SyncQuotaBytesPerItem = 8192

// QuotaError reports a settings section that exceeds the synced-scope
// per-item quota.
type QuotaError struct {
	Section string
	Size    int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf(
		"settings section %q is %d bytes, exceeding the %d byte sync quota",
		e.Section, e.Size, SyncQuotaBytesPerItem,
	)
}

// APIConfig holds settings for the remote notification source.
type APIConfig struct {
	// BaseURL is the root URL of the notifications API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// PageSize is the number of records requested per page.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// PollConfig holds the background job intervals.
type PollConfig struct {
	// FetchIntervalSec is how often (in seconds) notifications are fetched.
	FetchIntervalSec int `mapstructure:"fetch_interval_sec" yaml:"fetch_interval_sec"`

	// EntitlementIntervalSec is how often the entitlement verdict is
	// re-validated with the billing provider.
	EntitlementIntervalSec int `mapstructure:"entitlement_interval_sec" yaml:"entitlement_interval_sec"`
}

// DisplayConfig holds view preferences.
type DisplayConfig struct {
	// Filter is the initial filter selection ("all", "mentions",
	// "reviews", "assigned").
	Filter string `mapstructure:"filter" yaml:"filter"`
}

// AppConfig is the top-level application configuration. It lives in the
// synced settings scope, so each section is subject to the per-item quota.
type AppConfig struct {
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Poll    PollConfig    `mapstructure:"poll" yaml:"poll"`
	Display DisplayConfig `mapstructure:"display" yaml:"display"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/gh-notifier/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "gh-notifier", "config.yaml")
}

// DefaultDatabasePath returns the default path for the local database,
// located at ~/.local/share/gh-notifier/notifications.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "notifications.db")
	}
	return filepath.Join(home, ".local", "share", "gh-notifier", "notifications.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		API: APIConfig{
			BaseURL:  "https://api.github.com",
			PageSize: 50,
		},
		Poll: PollConfig{
			FetchIntervalSec:       120,
			EntitlementIntervalSec: 3600,
		},
		Display: DisplayConfig{
			Filter: string(FilterAll),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("api.base_url", "https://api.github.com")
	v.SetDefault("api.page_size", 50)
	v.SetDefault("poll.fetch_interval_sec", 120)
	v.SetDefault("poll.entitlement_interval_sec", 3600)
	v.SetDefault("display.filter", string(FilterAll))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if !ValidFilter(Filter(cfg.Display.Filter)) {
		cfg.Display.Filter = string(FilterAll)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. Each section is checked against
// the synced-scope quota before anything is written.
func SaveConfig(path string, cfg *AppConfig) error {
	sections := map[string]interface{}{
		"api":     cfg.API,
		"poll":    cfg.Poll,
		"display": cfg.Display,
	}
	for name, section := range sections {
		data, err := json.Marshal(section)
		if err != nil {
			return fmt.Errorf("serializing settings section %q: %w", name, err)
		}
		if len(data) > SyncQuotaBytesPerItem {
			return &QuotaError{Section: name, Size: len(data)}
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("poll", cfg.Poll)
	v.Set("display", cfg.Display)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
