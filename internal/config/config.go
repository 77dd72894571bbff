// Package config defines all configuration for the brokerage façade runtime.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Account  AccountConfig  `mapstructure:"account"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Sep      SepConfig      `mapstructure:"sep"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AccountConfig identifies the parent venue account.
type AccountConfig struct {
	ID          string  `mapstructure:"id"`
	InitialCash float64 `mapstructure:"initial_cash"`
}

// FeedConfig holds the market-data endpoints the sim adapter rides on.
// Empty URLs run the venue feedless (replay/test mode).
type FeedConfig struct {
	WSURL        string `mapstructure:"ws_url"`
	ReferenceURL string `mapstructure:"reference_url"`
}

// SepConfig configures the virtual sub-account overlay.
//
//   - SubAccount: the sub-account suffix; must not contain '-', '_' or whitespace.
//   - InitialCash: seed cash on first connect.
//   - DebounceWindow/DebounceIdle: the asset-snapshot debounce — the last tick
//     of a quiet period persists the refreshed assets.
type SepConfig struct {
	SubAccount     string        `mapstructure:"sub_account"`
	InitialCash    float64       `mapstructure:"initial_cash"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	DebounceIdle   time.Duration `mapstructure:"debounce_idle"`
}

// DatabaseConfig selects the data-manager backend. Empty DSN uses the
// in-memory store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KT_DATABASE_DSN, KT_ACCOUNT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("KT_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if id := os.Getenv("KT_ACCOUNT_ID"); id != "" {
		cfg.Account.ID = id
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("account.id is required (set KT_ACCOUNT_ID)")
	}
	if c.Sep.SubAccount == "" {
		return fmt.Errorf("sep.sub_account is required")
	}
	if strings.ContainsAny(c.Sep.SubAccount, "-_ \t") {
		return fmt.Errorf("sep.sub_account must not contain '-', '_' or whitespace")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}
