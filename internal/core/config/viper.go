package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"db-url":   "database.url",
	"host":     "segment_api.host",
	"port":     "segment_api.port",
	"ops-host": "ops.host",
	"ops-port": "ops.port",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
// flags may be nil; only flags named in flagKeys are bound.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("segment_api.host", d.SegmentAPI.Host)
	v.SetDefault("segment_api.port", d.SegmentAPI.Port)
	v.SetDefault("segment_api.request_timeout", d.SegmentAPI.RequestTimeout.String())
	v.SetDefault("ops.host", d.Ops.Host)
	v.SetDefault("ops.port", d.Ops.Port)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("segments.reporting_timezone", d.Segments.ReportingTimezone)
	v.SetDefault("segments.single_flight_refresh", d.Segments.SingleFlightRefresh)
	v.SetDefault("segments.max_list_limit", d.Segments.MaxListLimit)
	v.SetDefault("segments.refresh_concurrency", d.Segments.RefreshConcurrency)

	// Bind environment variables with SK_ prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		SegmentAPI: SegmentAPIConfig{
			Host:           v.GetString("segment_api.host"),
			Port:           v.GetInt("segment_api.port"),
			RequestTimeout: v.GetDuration("segment_api.request_timeout"),
		},
		Ops: OpsConfig{
			Host: v.GetString("ops.host"),
			Port: v.GetInt("ops.port"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Segments: SegmentsConfig{
			ReportingTimezone:   v.GetString("segments.reporting_timezone"),
			SingleFlightRefresh: v.GetBool("segments.single_flight_refresh"),
			MaxListLimit:        v.GetInt("segments.max_list_limit"),
			RefreshConcurrency:  v.GetInt("segments.refresh_concurrency"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port ranges, positive limits and the reporting timezone.
func validateConfig(cfg *Config) error {
	if cfg.SegmentAPI.Port <= 0 || cfg.SegmentAPI.Port > 65535 {
		return fmt.Errorf("segment_api.port must be between 1 and 65535, got %d", cfg.SegmentAPI.Port)
	}
	if cfg.Ops.Port <= 0 || cfg.Ops.Port > 65535 {
		return fmt.Errorf("ops.port must be between 1 and 65535, got %d", cfg.Ops.Port)
	}
	if cfg.SegmentAPI.Port == cfg.Ops.Port && cfg.SegmentAPI.Host == cfg.Ops.Host {
		return fmt.Errorf("ops.port must differ from segment_api.port, both are %d", cfg.Ops.Port)
	}
	if cfg.SegmentAPI.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.SegmentAPI.RequestTimeout)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Segments.MaxListLimit <= 0 {
		return fmt.Errorf("max_list_limit must be positive, got %d", cfg.Segments.MaxListLimit)
	}
	if cfg.Segments.RefreshConcurrency <= 0 {
		return fmt.Errorf("refresh_concurrency must be positive, got %d", cfg.Segments.RefreshConcurrency)
	}
	if _, err := time.LoadLocation(cfg.Segments.ReportingTimezone); err != nil {
		return fmt.Errorf("reporting_timezone %q: %w", cfg.Segments.ReportingTimezone, err)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
// InConfig looks at the file only; SK_HMAC_SECRET in the environment is allowed.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("segment_api.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use %s_HMAC_SECRET environment variable)", EnvPrefix)
	}
	return nil
}
