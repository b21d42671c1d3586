package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const pendingStateTTL = 10 * time.Minute

// CredentialStore persists the provider's OAuth2 token between runs, the way
// a browser SDK keeps its own session. session.FilePayloadStore satisfies it.
type CredentialStore interface {
	Save(ctx context.Context, payload []byte) error
	Load(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context) error
}

// OIDCConfig configures the OIDC provider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDC signs users in with the authorization code flow (PKCE) and hands the
// verified ID token to the reconciler as the identity assertion.
type OIDC struct {
	log      *slog.Logger
	feed     *stateFeed
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	creds    CredentialStore
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingAuth
	source  oauth2.TokenSource
	lastID  string
}

type pendingAuth struct {
	verifier string
	expires  time.Time
}

type identityClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NewOIDC discovers the issuer and restores any persisted provider session.
// creds may be nil, in which case every run starts signed out.
func NewOIDC(ctx context.Context, cfg OIDCConfig, creds CredentialStore, log *slog.Logger) (*OIDC, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: oidc issuer, client id and redirect url are required", ErrConfig)
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "profile", "email"}
	}
	if log == nil {
		log = slog.Default()
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, &ProviderError{Provider: "oidc", Op: "discover", Err: err}
	}

	p := newOIDCWith(
		&oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		creds,
		log,
	)
	p.restore(ctx)
	return p, nil
}

func newOIDCWith(oc *oauth2.Config, v *oidc.IDTokenVerifier, creds CredentialStore, log *slog.Logger) *OIDC {
	return &OIDC{
		log:      log,
		feed:     newStateFeed(),
		oauth:    oc,
		verifier: v,
		creds:    creds,
		now:      time.Now,
		pending:  make(map[string]pendingAuth),
	}
}

func (p *OIDC) Name() string { return "oidc" }

func (p *OIDC) Watch(ctx context.Context) (<-chan *Identity, func()) {
	return p.feed.watch(ctx)
}

// AuthCodeURL starts a PKCE sign-in and returns the authorization URL.
func (p *OIDC) AuthCodeURL() (string, error) {
	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	now := p.now()
	for k, v := range p.pending {
		if now.After(v.expires) {
			delete(p.pending, k)
		}
	}
	p.pending[state] = pendingAuth{verifier: verifier, expires: now.Add(pendingStateTTL)}
	p.mu.Unlock()

	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete exchanges the callback code, verifies the ID token and publishes the identity.
func (p *OIDC) Complete(ctx context.Context, state, code string) error {
	p.mu.Lock()
	pa, ok := p.pending[state]
	delete(p.pending, state)
	p.mu.Unlock()

	if !ok || p.now().After(pa.expires) {
		return ErrInvalidState
	}

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pa.verifier))
	if err != nil {
		return &ProviderError{Provider: "oidc", Op: "exchange", Err: err}
	}

	id, err := p.adopt(ctx, tok)
	if err != nil {
		return err
	}
	p.persist(ctx, tok)

	p.log.Info("federated.sign_in", "provider", "oidc", "subject", id.Subject)
	p.feed.publish(id)
	return nil
}

// SignOut forgets the provider session and publishes nil.
func (p *OIDC) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.source = nil
	p.lastID = ""
	p.mu.Unlock()

	var err error
	if p.creds != nil {
		err = p.creds.Remove(ctx)
	}

	p.log.Info("federated.sign_out", "provider", "oidc")
	p.feed.publish(nil)
	return err
}

// adopt verifies the token's id_token and wires a refreshing token source.
func (p *OIDC) adopt(ctx context.Context, tok *oauth2.Token) (*Identity, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, &ProviderError{Provider: "oidc", Op: "adopt", Err: errors.New("no id_token in token response")}
	}

	idt, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, &ProviderError{Provider: "oidc", Op: "verify", Err: err}
	}
	var claims identityClaims
	_ = idt.Claims(&claims)

	p.mu.Lock()
	p.source = p.oauth.TokenSource(context.WithoutCancel(ctx), tok)
	p.lastID = raw
	p.mu.Unlock()

	return NewIdentity(idt.Subject, claims.Email, claims.Name, p.idToken), nil
}

// idToken returns a verified, unexpired ID token, refreshing when needed.
func (p *OIDC) idToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	src, last := p.source, p.lastID
	p.mu.Unlock()

	if src == nil {
		return "", ErrNotSignedIn
	}
	if last != "" {
		if _, err := p.verifier.Verify(ctx, last); err == nil {
			return last, nil
		}
	}

	tok, err := src.Token()
	if err != nil {
		return "", &ProviderError{Provider: "oidc", Op: "refresh", Err: err}
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return "", &ProviderError{Provider: "oidc", Op: "refresh", Err: errors.New("refresh returned no id_token")}
	}
	if _, err := p.verifier.Verify(ctx, raw); err != nil {
		return "", &ProviderError{Provider: "oidc", Op: "verify", Err: err}
	}

	p.mu.Lock()
	p.lastID = raw
	p.mu.Unlock()
	p.persist(ctx, tok)
	return raw, nil
}

type storedToken struct {
	Token   *oauth2.Token `json:"token"`
	IDToken string        `json:"id_token"`
}

func (p *OIDC) persist(ctx context.Context, tok *oauth2.Token) {
	if p.creds == nil || tok == nil {
		return
	}
	raw, _ := tok.Extra("id_token").(string)
	b, err := json.Marshal(storedToken{Token: tok, IDToken: raw})
	if err != nil {
		return
	}
	if err := p.creds.Save(ctx, b); err != nil {
		p.log.Warn("federated.oidc.persist.fail", "err", err)
	}
}

// restore rebuilds the provider session from the credential store. Any
// failure leaves the provider signed out.
func (p *OIDC) restore(ctx context.Context) {
	if p.creds == nil {
		return
	}
	b, err := p.creds.Load(ctx)
	if err != nil {
		return
	}

	var st storedToken
	if err := json.Unmarshal(b, &st); err != nil || st.Token == nil {
		p.log.Warn("federated.oidc.restore.corrupt")
		_ = p.creds.Remove(ctx)
		return
	}
	tok := st.Token.WithExtra(map[string]any{"id_token": st.IDToken})

	p.mu.Lock()
	p.source = p.oauth.TokenSource(context.WithoutCancel(ctx), tok)
	p.lastID = st.IDToken
	p.mu.Unlock()

	raw, err := p.idToken(ctx)
	if err != nil {
		p.log.Info("federated.oidc.restore.fail", "err", err)
		p.mu.Lock()
		p.source = nil
		p.lastID = ""
		p.mu.Unlock()
		return
	}

	idt, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return
	}
	var claims identityClaims
	_ = idt.Claims(&claims)

	p.log.Info("federated.oidc.restore", "subject", idt.Subject)
	p.feed.publish(NewIdentity(idt.Subject, claims.Email, claims.Name, p.idToken))
}
