package backend

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is used when ELAW_API_URL is unset.
	DefaultBaseURL = "http://localhost:8000/api"
	// DefaultTimeout bounds every backend request.
	DefaultTimeout = 10 * time.Second

	defaultMaxBodyBytes = 4 << 20
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid backend config")

// Config holds backend client settings.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// DefaultConfig returns the localhost fallback configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Timeout:      DefaultTimeout,
		MaxBodyBytes: defaultMaxBodyBytes,
		UserAgent:    "elaw-client/1",
	}
}

// LoadConfigFromEnv reads ELAW_API_URL and ELAW_API_TIMEOUT.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ELAW_API_URL")); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ELAW_API_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Timeout = d
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Host == "" {
		return ErrConfig
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrConfig
	}
	return nil
}
