// Package config loads the riskd daemon configuration from TOML with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for the risk engine daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	// DataDir is the LevelDB directory. Empty selects the in-memory store,
	// which is only useful for tests and local experiments.
	DataDir string `toml:"DataDir"`

	Log    LogConfig    `toml:"log"`
	Auth   AuthConfig   `toml:"auth"`
	Limits LimitsConfig `toml:"limits"`
	Oracle OracleConfig `toml:"oracle"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// AuthConfig configures bearer-token authentication. Mutating routes always
// require a token; Enabled=false is honored only for read routes.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// LimitsConfig bounds request rates per client.
type LimitsConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// OracleConfig declares the price feeds registered at startup and the
// staleness window applied to their quotes.
type OracleConfig struct {
	MaxQuoteAge Duration `toml:"MaxQuoteAge"`
	Feeds       []string `toml:"Feeds"`
}

// Duration wraps time.Duration for TOML decoding of strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads the TOML configuration, applies environment overrides and
// validates the result. A missing path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8551",
		Environment:   "dev",
		Limits: LimitsConfig{
			RequestsPerMinute: 600,
			Burst:             30,
		},
		Oracle: OracleConfig{
			MaxQuoteAge: Duration{Duration: time.Hour},
		},
	}
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("RISKD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKD_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RISKD_AUTH_SECRET"); strings.TrimSpace(v) != "" {
		cfg.Auth.HMACSecret = v
		cfg.Auth.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("RISKD_RATE_LIMIT")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.Limits.RequestsPerMinute = parsed
		}
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8551"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	if cfg.Limits.Burst <= 0 {
		cfg.Limits.Burst = 30
	}
	if cfg.Oracle.MaxQuoteAge.Duration <= 0 {
		cfg.Oracle.MaxQuoteAge = Duration{Duration: time.Hour}
	}
	feeds := make([]string, 0, len(cfg.Oracle.Feeds))
	for _, feed := range cfg.Oracle.Feeds {
		if feed = strings.TrimSpace(feed); feed != "" {
			feeds = append(feeds, feed)
		}
	}
	cfg.Oracle.Feeds = feeds
}

func (cfg *Config) validate() error {
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: HMACSecret is required when auth is enabled")
	}
	if cfg.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits: RequestsPerMinute must be non-negative")
	}
	return nil
}
