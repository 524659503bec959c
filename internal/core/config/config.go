// Package config provides configuration management for segmentkeeper services.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by segmentkeeper.
const EnvPrefix = "SK"

// Config holds configuration for all segmentkeeper commands.
type Config struct {
	SegmentAPI SegmentAPIConfig
	Ops        OpsConfig
	Database   DatabaseConfig
	Segments   SegmentsConfig
}

// SegmentAPIConfig holds configuration for the gRPC segment API.
type SegmentAPIConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// OpsConfig holds configuration for the metrics and health HTTP listener.
type OpsConfig struct {
	Host string
	Port int
}

// DatabaseConfig selects the donor and audience database.
type DatabaseConfig struct {
	URL string
}

// SegmentsConfig tunes audience evaluation and refresh.
type SegmentsConfig struct {
	// ReportingTimezone applies to organizations without their own zone.
	ReportingTimezone   string
	SingleFlightRefresh bool
	MaxListLimit        int
	RefreshConcurrency  int
}

// Location resolves ReportingTimezone.
func (c SegmentsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.ReportingTimezone)
}

// Addr returns host:port.
func (c SegmentAPIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Addr returns host:port.
func (c OpsConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		SegmentAPI: SegmentAPIConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			RequestTimeout: 30 * time.Second,
		},
		Ops: OpsConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/segmentkeeper.db",
		},
		Segments: SegmentsConfig{
			ReportingTimezone:  "UTC",
			MaxListLimit:       500,
			RefreshConcurrency: 4,
		},
	}
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are skipped; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports SK_HMAC_SECRET (single) and SK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(name, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check %s_HMAC_SECRET and %s_HMAC_SECRET_* for conflicts)", secretID, EnvPrefix, EnvPrefix)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	single := EnvPrefix + "_HMAC_SECRET"
	if val := os.Getenv(single); val != "" {
		if err := add(single, val); err != nil {
			return nil, err
		}
	}

	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("%s_HMAC_SECRET_%d", EnvPrefix, i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes base64-encoded HMAC secret from environment variable.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}

	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
