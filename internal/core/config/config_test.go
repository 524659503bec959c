package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const (
	testSecret1 = "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	testSecret2 = "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func TestHMACSecrets(t *testing.T) {
	t.Run("single secret", func(t *testing.T) {
		t.Setenv("SK_HMAC_SECRET", testSecret1)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets["0123456789abcdef0123456789abcdef"]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		t.Setenv("SK_HMAC_SECRET_1", testSecret1)
		t.Setenv("SK_HMAC_SECRET_2", testSecret2)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("numbering stops at first gap", func(t *testing.T) {
		t.Setenv("SK_HMAC_SECRET_1", testSecret1)
		t.Setenv("SK_HMAC_SECRET_3", testSecret2)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
	})

	errorCases := []struct {
		name string
		env  map[string]string
	}{
		{"invalid format", map[string]string{"SK_HMAC_SECRET": "invalid_format"}},
		{"invalid secret_id length", map[string]string{"SK_HMAC_SECRET": "short:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}},
		{"non-hex secret_id", map[string]string{"SK_HMAC_SECRET": "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}},
		{"duplicate secret_id in numbered secrets", map[string]string{
			"SK_HMAC_SECRET_1": testSecret1,
			"SK_HMAC_SECRET_2": "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		}},
		{"duplicate secret_id between single and numbered", map[string]string{
			"SK_HMAC_SECRET":   testSecret1,
			"SK_HMAC_SECRET_1": "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		}},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := HMACSecrets(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.SegmentAPI.Host != "0.0.0.0" {
			t.Errorf("expected host 0.0.0.0, got %s", cfg.SegmentAPI.Host)
		}
		if cfg.SegmentAPI.Port != 50061 {
			t.Errorf("expected port 50061, got %d", cfg.SegmentAPI.Port)
		}
		if cfg.SegmentAPI.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.SegmentAPI.RequestTimeout)
		}
		if cfg.Ops.Port != 9090 {
			t.Errorf("expected ops port 9090, got %d", cfg.Ops.Port)
		}
		if cfg.Segments.ReportingTimezone != "UTC" {
			t.Errorf("expected reporting_timezone UTC, got %s", cfg.Segments.ReportingTimezone)
		}
		if cfg.Segments.SingleFlightRefresh {
			t.Error("expected single_flight_refresh false")
		}
		if cfg.Segments.MaxListLimit != 500 {
			t.Errorf("expected max_list_limit 500, got %d", cfg.Segments.MaxListLimit)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("SK_SEGMENT_API_PORT", "9999")
		t.Setenv("SK_SEGMENT_API_HOST", "127.0.0.1")
		t.Setenv("SK_SEGMENTS_SINGLE_FLIGHT_REFRESH", "true")
		t.Setenv("SK_SEGMENTS_REPORTING_TIMEZONE", "America/Toronto")

		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.SegmentAPI.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.SegmentAPI.Port)
		}
		if cfg.SegmentAPI.Host != "127.0.0.1" {
			t.Errorf("expected host 127.0.0.1, got %s", cfg.SegmentAPI.Host)
		}
		if !cfg.Segments.SingleFlightRefresh {
			t.Error("expected single_flight_refresh true")
		}
		loc, err := cfg.Segments.Location()
		if err != nil || loc.String() != "America/Toronto" {
			t.Errorf("Location() = %v, %v", loc, err)
		}
	})

	t.Run("flag overrides environment", func(t *testing.T) {
		t.Setenv("SK_SEGMENT_API_PORT", "9999")
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("port", 50061, "")
		flags.String("db-url", "", "")
		if err := flags.Parse([]string{"--port", "7000", "--db-url", "sqlite://x.db"}); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig("", flags)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.SegmentAPI.Port != 7000 {
			t.Errorf("expected port 7000, got %d", cfg.SegmentAPI.Port)
		}
		if cfg.Database.URL != "sqlite://x.db" {
			t.Errorf("expected db url from flag, got %s", cfg.Database.URL)
		}
	})

	t.Run("secret in environment is allowed", func(t *testing.T) {
		t.Setenv("SK_HMAC_SECRET", testSecret1)
		if _, err := LoadConfig("", nil); err != nil {
			t.Errorf("LoadConfig failed: %v", err)
		}
	})

	invalid := []struct {
		name, key, value string
	}{
		{"invalid port range", "SK_SEGMENT_API_PORT", "70000"},
		{"invalid ops port", "SK_OPS_PORT", "0"},
		{"ops port collides", "SK_OPS_PORT", "50061"},
		{"invalid timeout", "SK_SEGMENT_API_REQUEST_TIMEOUT", "-1s"},
		{"invalid list limit", "SK_SEGMENTS_MAX_LIST_LIMIT", "-1"},
		{"invalid timezone", "SK_SEGMENTS_REPORTING_TIMEZONE", "Mars/Olympus"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig("", nil); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SK_DATABASE_URL=sqlite://from-dotenv.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SK_DATABASE_URL", "")
	os.Unsetenv("SK_DATABASE_URL")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database.URL != "sqlite://from-dotenv.db" {
		t.Errorf("expected database url from .env, got %s", cfg.Database.URL)
	}
}

func TestParseHMACSecret(t *testing.T) {
	t.Run("valid base64", func(t *testing.T) {
		secret, err := ParseHMACSecret("dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err != nil {
			t.Fatalf("ParseHMACSecret failed: %v", err)
		}
		if len(secret) < 32 {
			t.Errorf("secret too short: %d bytes", len(secret))
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := ParseHMACSecret("not-valid-base64!!!"); err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("secret too short", func(t *testing.T) {
		if _, err := ParseHMACSecret("c2hvcnQ="); err == nil { // "short"
			t.Error("expected error for secret < 32 bytes")
		}
	})
}

func TestParseHMACSecretWithID(t *testing.T) {
	t.Run("valid format", func(t *testing.T) {
		secretID, secret, err := ParseHMACSecretWithID(testSecret1)
		if err != nil {
			t.Fatalf("ParseHMACSecretWithID failed: %v", err)
		}
		if secretID != "0123456789abcdef0123456789abcdef" {
			t.Errorf("unexpected secret_id: %s", secretID)
		}
		if len(secret) == 0 {
			t.Error("secret should not be empty")
		}
	})

	t.Run("missing colon", func(t *testing.T) {
		if _, _, err := ParseHMACSecretWithID("0123456789abcdef0123456789abcdef"); err == nil {
			t.Error("expected error for missing colon")
		}
	})

	t.Run("invalid secret_id length", func(t *testing.T) {
		if _, _, err := ParseHMACSecretWithID("tooshort:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"); err == nil {
			t.Error("expected error for short secret_id")
		}
	})
}
