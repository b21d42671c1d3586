package federated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const devTokenTTL = time.Hour

// DevClaims are the claims of a dev-emulator ID token.
type DevClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Dev is a local identity emulator. Its ID tokens are HS256 JWTs signed with
// a shared secret, so a development backend can verify them without a real IdP.
type Dev struct {
	*Memory

	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
}

// NewDev constructs a signed-out emulator. secret must be at least 32 bytes.
func NewDev(secret, issuer, audience string, log *slog.Logger) (*Dev, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: dev secret must be >= 32 bytes", ErrConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "elaw-dev-idp"
	}
	return &Dev{
		Memory:   NewMemory("dev", log),
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		now:      time.Now,
	}, nil
}

// SignInEmail signs a user in at the emulator. The subject is the email.
func (d *Dev) SignInEmail(email, name string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("federated: dev sign-in requires an email")
	}
	id := NewIdentity(email, email, name, func(context.Context) (string, error) {
		return d.mint(email, email, name)
	})
	d.SignIn(id)
	return id, nil
}

func (d *Dev) mint(subject, email, name string) (string, error) {
	now := d.now().UTC()
	claims := DevClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
		},
	}
	if d.audience != "" {
		claims.Audience = jwt.ClaimStrings{d.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", &ProviderError{Provider: "dev", Op: "mint", Err: err}
	}
	return signed, nil
}

// VerifyDevToken validates an emulator token against secret and returns its claims.
func VerifyDevToken(secret, token string) (*DevClaims, error) {
	claims := &DevClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// SubjectHint reads the "sub" claim of any JWT without verifying it.
// It is only for log correlation.
func SubjectHint(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
