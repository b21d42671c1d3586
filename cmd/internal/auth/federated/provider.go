// Package federated adapts external identity providers to the reconciler.
//
// A Provider reports auth-state as a stream of *Identity values: a non-nil
// Identity while a user is signed in at the provider, nil once signed out.
// The current state is delivered immediately on Watch and then every change,
// in order.
package federated

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSignedIn is returned when an ID token is requested for a signed-out identity.
	ErrNotSignedIn = errors.New("federated: not signed in")
	// ErrInvalidState is returned when an OIDC callback state is unknown or expired.
	ErrInvalidState = errors.New("federated: invalid or expired state")
	// ErrConfig is returned for invalid provider configuration.
	ErrConfig = errors.New("federated: invalid config")
	// ErrUnsupported is returned when a provider does not support an interactive flow.
	ErrUnsupported = errors.New("federated: operation not supported by provider")
)

// ProviderError wraps a failure talking to the identity provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("federated %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TokenFunc returns a currently valid identity assertion (ID token).
type TokenFunc func(ctx context.Context) (string, error)

// Identity is the provider-side user handle.
type Identity struct {
	Subject string
	Email   string
	Name    string

	token TokenFunc
}

// NewIdentity builds an Identity whose assertions come from token.
func NewIdentity(subject, email, name string, token TokenFunc) *Identity {
	return &Identity{
		Subject: strings.TrimSpace(subject),
		Email:   strings.TrimSpace(email),
		Name:    strings.TrimSpace(name),
		token:   token,
	}
}

// IDToken returns an identity assertion suitable for the backend exchange.
func (i *Identity) IDToken(ctx context.Context) (string, error) {
	if i == nil || i.token == nil {
		return "", ErrNotSignedIn
	}
	return i.token(ctx)
}

// Provider is a federated identity provider.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// Watch subscribes to auth-state changes. cancel stops delivery and closes the channel.
	Watch(ctx context.Context) (<-chan *Identity, func())
	// SignOut ends the provider-side session; watchers then observe nil.
	SignOut(ctx context.Context) error
}

// Redirector is implemented by providers with a browser redirect flow.
type Redirector interface {
	// AuthCodeURL starts a sign-in and returns the URL to open.
	AuthCodeURL() (string, error)
	// Complete finishes the flow with the callback's state and code.
	Complete(ctx context.Context, state, code string) error
}
