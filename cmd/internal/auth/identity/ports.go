package identity

import (
	"context"
	"time"

	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

// Backend is the slice of the REST client identity needs.
type Backend interface {
	Me(ctx context.Context, token string) (session.User, error)
	ExchangeFederated(ctx context.Context, idToken string) (backend.AuthResponse, error)
	Login(ctx context.Context, cred backend.Credentials) (backend.AuthResponse, error)
	Register(ctx context.Context, reg backend.Registration) (backend.AuthResponse, error)
	Logout(ctx context.Context) error

	ForgotPassword(ctx context.Context, in backend.PasswordRecovery) (backend.MessageResponse, error)
	VerifyOTP(ctx context.Context, in backend.OTPVerification) (backend.MessageResponse, error)
	ResetPassword(ctx context.Context, in backend.PasswordReset) (backend.MessageResponse, error)
}

// Level is the severity of a transient message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Flash is a transient, dismissible user-facing message.
type Flash struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Notifier surfaces transient messages to the view.
type Notifier interface {
	Flash(f Flash)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Flash)

func (fn NotifierFunc) Flash(f Flash) { fn(f) }

// Navigator asks the view to move to a path.
type Navigator interface {
	Navigate(path, reason string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path, reason string)

func (fn NavigatorFunc) Navigate(path, reason string) { fn(path, reason) }

// OutcomeObserver receives reconciliation outcomes (metrics).
type OutcomeObserver interface {
	ReconcileOutcome(step, result string)
}

type nopNotifier struct{}

func (nopNotifier) Flash(Flash) {}

type nopNavigator struct{}

func (nopNavigator) Navigate(string, string) {}
