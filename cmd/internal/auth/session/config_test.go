package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("ELAW_SESSION_TOKEN_KEY", "")
	t.Setenv("ELAW_SESSION_PAYLOAD_KEY", "")
	t.Setenv("ELAW_SESSION_TOKEN_TTL", "")
	t.Setenv("ELAW_SESSION_PAYLOAD_FILE", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenKey != "auth_token" || cfg.PayloadKey != "legal_user_token" {
		t.Fatalf("record names mismatch: %q %q", cfg.TokenKey, cfg.PayloadKey)
	}
	if cfg.TokenTTL != 7*24*time.Hour {
		t.Fatalf("ttl mismatch: %v", cfg.TokenTTL)
	}
}

func TestLoadConfigFromEnv_InvalidTTL(t *testing.T) {
	t.Setenv("ELAW_SESSION_TOKEN_TTL", "-5m")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative ttl, got %v", err)
	}
}

func TestLoadConfigFromEnv_PayloadFileNeedsSecret(t *testing.T) {
	t.Setenv("ELAW_SESSION_PAYLOAD_FILE", "/tmp/elaw/payload.bin")
	t.Setenv("ELAW_SESSION_PAYLOAD_SECRET", "short")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for short payload secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_SameRecordNames(t *testing.T) {
	t.Setenv("ELAW_SESSION_TOKEN_KEY", "same")
	t.Setenv("ELAW_SESSION_PAYLOAD_KEY", "same")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for identical record names, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("ELAW_SESSION_TOKEN_TTL", "48h")
	t.Setenv("ELAW_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ELAW_SESSION_PAYLOAD_FILE", "/tmp/elaw/payload.bin")
	t.Setenv("ELAW_SESSION_PAYLOAD_SECRET", "0123456789abcdef")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenTTL != 48*time.Hour {
		t.Fatalf("ttl mismatch: %v", cfg.TokenTTL)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" || cfg.PayloadFile != "/tmp/elaw/payload.bin" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}
