package session

import (
	"os"
	"strings"
	"time"
)

const (
	// DefaultTokenKey is the name of the durable token record.
	DefaultTokenKey = "auth_token"
	// DefaultPayloadKey is the name of the mirrored login payload record.
	DefaultPayloadKey = "legal_user_token"
	// DefaultTokenTTL matches the 7-day cookie expiry.
	DefaultTokenTTL = 7 * 24 * time.Hour
)

// Config defines the persistence settings of the session subsystem.
type Config struct {
	// TokenKey names the durable token record (Redis key).
	TokenKey string
	// PayloadKey names the mirrored login payload record.
	PayloadKey string
	// TokenTTL is the expiry applied every time a token is persisted.
	TokenTTL time.Duration

	// RedisURL selects the Redis TokenStore. Empty means in-memory.
	RedisURL string

	// PayloadFile selects the sealed FilePayloadStore. Empty means in-memory.
	PayloadFile string
	// PayloadSecret keys the payload file; required when PayloadFile is set.
	PayloadSecret string
}

// DefaultConfig returns in-memory persistence with the standard record names.
func DefaultConfig() Config {
	return Config{
		TokenKey:   DefaultTokenKey,
		PayloadKey: DefaultPayloadKey,
		TokenTTL:   DefaultTokenTTL,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - ELAW_SESSION_TOKEN_KEY
//   - ELAW_SESSION_PAYLOAD_KEY
//   - ELAW_SESSION_TOKEN_TTL (Go duration)
//   - ELAW_REDIS_URL
//   - ELAW_SESSION_PAYLOAD_FILE
//   - ELAW_SESSION_PAYLOAD_SECRET (required with ELAW_SESSION_PAYLOAD_FILE, >= 16 bytes)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ELAW_SESSION_TOKEN_KEY")); v != "" {
		cfg.TokenKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ELAW_SESSION_PAYLOAD_KEY")); v != "" {
		cfg.PayloadKey = v
	}

	if v := strings.TrimSpace(os.Getenv("ELAW_SESSION_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("ELAW_REDIS_URL"))
	cfg.PayloadFile = strings.TrimSpace(os.Getenv("ELAW_SESSION_PAYLOAD_FILE"))
	cfg.PayloadSecret = os.Getenv("ELAW_SESSION_PAYLOAD_SECRET")

	if cfg.PayloadFile != "" && len(cfg.PayloadSecret) < 16 {
		return Config{}, ErrConfig
	}
	if cfg.TokenKey == cfg.PayloadKey {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
