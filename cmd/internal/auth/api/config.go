package authapi

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultMaxBodyBytes = 64 << 10
	defaultAfterLogin   = "/dashboard"
)

// Config controls the local session endpoints.
type Config struct {
	MaxBodyBytes int64

	// AfterLogin is where the federated callback lands.
	AfterLogin string
}

// LoadConfigFromEnv loads the session endpoint config with safe defaults.
//
// Optional:
//   - ELAW_VIEW_MAX_BODY_BYTES (int)
//   - ELAW_VIEW_AFTER_LOGIN (absolute path)
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: envInt64("ELAW_VIEW_MAX_BODY_BYTES", defaultMaxBodyBytes),
		AfterLogin:   strings.TrimSpace(os.Getenv("ELAW_VIEW_AFTER_LOGIN")),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	// Same-site paths only; the callback must not become an open redirect.
	if !strings.HasPrefix(c.AfterLogin, "/") || strings.HasPrefix(c.AfterLogin, "//") {
		c.AfterLogin = defaultAfterLogin
	}
	return c
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
