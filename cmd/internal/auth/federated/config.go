package federated

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Kind selects the provider implementation.
type Kind string

const (
	KindNone Kind = "none"
	KindDev  Kind = "dev"
	KindOIDC Kind = "oidc"
)

// Config selects and configures the federated provider.
type Config struct {
	Kind Kind

	DevSecret   string
	DevIssuer   string
	DevAudience string

	OIDC OIDCConfig
}

// LoadConfigFromEnv reads ELAW_FEDERATED_* variables.
//
//   - ELAW_FEDERATED_PROVIDER: none (default) | dev | oidc
//   - ELAW_FEDERATED_DEV_SECRET, ELAW_FEDERATED_DEV_ISSUER, ELAW_FEDERATED_DEV_AUDIENCE
//   - ELAW_OIDC_ISSUER, ELAW_OIDC_CLIENT_ID, ELAW_OIDC_CLIENT_SECRET,
//     ELAW_OIDC_REDIRECT_URL, ELAW_OIDC_SCOPES (comma separated)
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:        Kind(strings.ToLower(strings.TrimSpace(os.Getenv("ELAW_FEDERATED_PROVIDER")))),
		DevSecret:   os.Getenv("ELAW_FEDERATED_DEV_SECRET"),
		DevIssuer:   strings.TrimSpace(os.Getenv("ELAW_FEDERATED_DEV_ISSUER")),
		DevAudience: strings.TrimSpace(os.Getenv("ELAW_FEDERATED_DEV_AUDIENCE")),
		OIDC: OIDCConfig{
			Issuer:       strings.TrimSpace(os.Getenv("ELAW_OIDC_ISSUER")),
			ClientID:     strings.TrimSpace(os.Getenv("ELAW_OIDC_CLIENT_ID")),
			ClientSecret: os.Getenv("ELAW_OIDC_CLIENT_SECRET"),
			RedirectURL:  strings.TrimSpace(os.Getenv("ELAW_OIDC_REDIRECT_URL")),
			Scopes:       splitCSV(os.Getenv("ELAW_OIDC_SCOPES")),
		},
	}
	if cfg.Kind == "" {
		cfg.Kind = KindNone
	}

	switch cfg.Kind {
	case KindNone:
	case KindDev:
		if len(cfg.DevSecret) < 32 {
			return Config{}, ErrConfig
		}
	case KindOIDC:
		if cfg.OIDC.Issuer == "" || cfg.OIDC.ClientID == "" || cfg.OIDC.RedirectURL == "" {
			return Config{}, ErrConfig
		}
	default:
		return Config{}, ErrConfig
	}
	return cfg, nil
}

// New builds the configured provider. KindNone returns (nil, nil): the
// reconciler then resolves on token validation alone.
func New(ctx context.Context, cfg Config, creds CredentialStore, log *slog.Logger) (Provider, error) {
	switch cfg.Kind {
	case KindNone, "":
		return nil, nil
	case KindDev:
		d, err := NewDev(cfg.DevSecret, cfg.DevIssuer, cfg.DevAudience, log)
		if err != nil {
			return nil, err
		}
		return d, nil
	case KindOIDC:
		o, err := NewOIDC(ctx, cfg.OIDC, creds, log)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, ErrConfig
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
