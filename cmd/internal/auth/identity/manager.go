package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

const (
	msgLoggedIn     = "Logged in successfully."
	msgRegistered   = "Registration successful."
	msgLoggedOut    = "Logged out successfully."
	msgCodeSent     = "A reset code has been sent to your email."
	msgCodeVerified = "Code verified."
	msgPasswordSet  = "Password reset successfully."
	pathLogin       = "/auth/login"
	reasonExpired   = "session_expired"
	logoutRemoteTTL = 5 * time.Second
)

// Result is the outcome of a user-initiated session action.
type Result struct {
	Success  bool     `json:"success"`
	Messages []string `json:"messages,omitempty"`

	// Err is the underlying failure, nil on success.
	Err error `json:"-"`
}

// Manager carries login, register and logout, and reacts to a rejected
// bearer token anywhere in the app.
type Manager struct {
	log       *slog.Logger
	store     *session.Store
	backend   Backend
	provider  federated.Provider
	notifier  Notifier
	navigator Navigator
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithNotifier routes flash messages to n.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithNavigator routes redirects to n.
func WithNavigator(n Navigator) ManagerOption {
	return func(m *Manager) {
		if n != nil {
			m.navigator = n
		}
	}
}

// NewManager wires a Manager. provider may be nil.
func NewManager(store *session.Store, be Backend, provider federated.Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       slog.Default(),
		store:     store,
		backend:   be,
		provider:  provider,
		notifier:  nopNotifier{},
		navigator: nopNavigator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Login authenticates with email and password and adopts the session.
func (m *Manager) Login(ctx context.Context, cred backend.Credentials) Result {
	cred.Email = strings.TrimSpace(cred.Email)

	resp, err := m.backend.Login(ctx, cred)
	if err != nil {
		m.log.Info("auth.login.fail", "err", err)
		return m.fail(err)
	}
	if err := m.adopt(ctx, resp); err != nil {
		m.log.Error("auth.login.persist.fail", "err", err)
		return m.fail(err)
	}

	m.log.Info("auth.login", "user_id", resp.User.ID)
	return m.succeed(resp.Message, msgLoggedIn)
}

// Register creates an account. When the backend answers with a token and
// user, the new session is adopted immediately.
func (m *Manager) Register(ctx context.Context, reg backend.Registration) Result {
	reg.Email = strings.TrimSpace(reg.Email)
	reg.Name = strings.TrimSpace(reg.Name)

	resp, err := m.backend.Register(ctx, reg)
	if err != nil {
		m.log.Info("auth.register.fail", "err", err)
		return m.fail(err)
	}
	if resp.Token != "" && resp.User != nil {
		if err := m.adopt(ctx, resp); err != nil {
			m.log.Error("auth.register.persist.fail", "err", err)
			return m.fail(err)
		}
	}

	m.log.Info("auth.register", "email", reg.Email)
	return m.succeed(resp.Message, msgRegistered)
}

// ForgotPassword starts password recovery. The session is not touched.
func (m *Manager) ForgotPassword(ctx context.Context, in backend.PasswordRecovery) Result {
	in.Email = strings.TrimSpace(in.Email)

	resp, err := m.backend.ForgotPassword(ctx, in)
	if err != nil {
		m.log.Info("auth.recovery.request.fail", "err", err)
		return m.fail(err)
	}
	m.log.Info("auth.recovery.request", "email", in.Email)
	return m.succeed(resp.Message, msgCodeSent)
}

// VerifyOTP checks the recovery code sent by ForgotPassword.
func (m *Manager) VerifyOTP(ctx context.Context, in backend.OTPVerification) Result {
	in.Email = strings.TrimSpace(in.Email)
	in.OTP = strings.TrimSpace(in.OTP)

	resp, err := m.backend.VerifyOTP(ctx, in)
	if err != nil {
		m.log.Info("auth.recovery.verify.fail", "err", err)
		return m.fail(err)
	}
	return m.succeed(resp.Message, msgCodeVerified)
}

// ResetPassword sets a new password. The user signs in afterwards; no
// session is adopted here.
func (m *Manager) ResetPassword(ctx context.Context, in backend.PasswordReset) Result {
	in.Email = strings.TrimSpace(in.Email)
	in.OTP = strings.TrimSpace(in.OTP)

	resp, err := m.backend.ResetPassword(ctx, in)
	if err != nil {
		m.log.Info("auth.recovery.reset.fail", "err", err)
		return m.fail(err)
	}
	m.log.Info("auth.recovery.reset", "email", in.Email)
	return m.succeed(resp.Message, msgPasswordSet)
}

// Logout ends the session locally, whatever the backend says. Logging out
// while already anonymous is a no-op.
func (m *Manager) Logout(ctx context.Context) Result {
	if m.store.State() != session.StateAuthenticated && m.store.CurrentToken() == "" {
		return Result{Success: true}
	}

	remoteCtx, cancel := context.WithTimeout(ctx, logoutRemoteTTL)
	if err := m.backend.Logout(remoteCtx); err != nil {
		m.log.Warn("auth.logout.remote.fail", "err", err)
	}
	cancel()

	if m.provider != nil {
		if err := m.provider.SignOut(ctx); err != nil {
			m.log.Warn("identity.provider.sign_out.fail", "err", err)
		}
	}
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn("auth.logout.clear.fail", "err", err)
	}

	m.log.Info("auth.logout")
	m.flash(LevelSuccess, msgLoggedOut)
	return Result{Success: true, Messages: []string{msgLoggedOut}}
}

// HandleUnauthorized clears the session and sends the view to the login
// page. It is installed as the backend client's 401 hook. A rejection of a
// token the store no longer holds is ignored.
func (m *Manager) HandleUnauthorized(ctx context.Context, token string, err error) {
	cleared, cerr := m.store.ClearIfToken(ctx, token)
	if cerr != nil {
		m.log.Warn("auth.unauthorized.clear.fail", "err", cerr)
	}
	if !cleared {
		m.log.Info("auth.unauthorized.stale", "err", err)
		return
	}
	m.log.Info("auth.unauthorized", "err", err)
	m.navigator.Navigate(pathLogin, reasonExpired)
}

func (m *Manager) adopt(ctx context.Context, resp backend.AuthResponse) error {
	if resp.User == nil {
		return session.ErrInvalidSession
	}
	return m.store.SetSession(ctx, *resp.User, resp.Token, resp.Raw)
}

func (m *Manager) succeed(msg, fallback string) Result {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = fallback
	}
	m.flash(LevelSuccess, msg)
	return Result{Success: true, Messages: []string{msg}}
}

func (m *Manager) fail(err error) Result {
	msgs := backend.Messages(err)
	for _, msg := range msgs {
		m.flash(LevelError, msg)
	}
	return Result{Success: false, Messages: msgs, Err: err}
}

func (m *Manager) flash(level Level, text string) {
	m.notifier.Flash(Flash{Level: level, Text: text, At: m.now()})
}
