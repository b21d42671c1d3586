package feed

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kind selects the Source implementation.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindPostgres Kind = "postgres"
)

// Config selects and tunes the push source.
type Config struct {
	Kind Kind
	// DatabaseURL is required for KindPostgres.
	DatabaseURL string
	Schema      string
	Limit       int
	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool
}

// LoadConfigFromEnv loads feed configuration from environment variables.
//
// Optional:
//   - ELAW_FEED_SOURCE (memory|postgres, default memory)
//   - ELAW_DATABASE_URL (required for postgres)
//   - ELAW_FEED_SCHEMA (default elaw)
//   - ELAW_FEED_LIMIT (default 50)
//   - ELAW_FEED_AUTO_MIGRATE (bool)
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:   KindMemory,
		Schema: "elaw",
		Limit:  DefaultLimit,
	}

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("ELAW_FEED_SOURCE"))); v != "" {
		cfg.Kind = Kind(v)
	}
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("ELAW_DATABASE_URL"))
	if v := strings.TrimSpace(os.Getenv("ELAW_FEED_SCHEMA")); v != "" {
		cfg.Schema = v
	}
	if v := strings.TrimSpace(os.Getenv("ELAW_FEED_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: ELAW_FEED_LIMIT=%q", ErrConfig, v)
		}
		cfg.Limit = n
	}
	if v := strings.TrimSpace(os.Getenv("ELAW_FEED_AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: ELAW_FEED_AUTO_MIGRATE=%q", ErrConfig, v)
		}
		cfg.AutoMigrate = b
	}

	switch cfg.Kind {
	case KindMemory:
	case KindPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("%w: ELAW_DATABASE_URL is required for the postgres source", ErrConfig)
		}
		if !isValidPGIdent(cfg.Schema) {
			return Config{}, fmt.Errorf("%w: ELAW_FEED_SCHEMA=%q", ErrConfig, cfg.Schema)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown ELAW_FEED_SOURCE %q", ErrConfig, cfg.Kind)
	}
	return cfg, nil
}
