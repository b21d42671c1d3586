package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"elaw/cmd/internal/auth/session"

	"github.com/google/uuid"
)

// TokenSource yields the bearer token for the next request. It is consulted
// on every request so a cleared session stops sending credentials at once.
type TokenSource interface {
	CurrentToken() string
}

// UnauthorizedHook runs when an authenticated request comes back 401.
// token is the bearer the backend rejected, which may no longer be current.
type UnauthorizedHook func(ctx context.Context, token string, err error)

// RequestObserver receives per-request outcomes (metrics). status is 0 on transport failures.
type RequestObserver interface {
	BackendRequest(method string, status int, elapsed time.Duration)
}

// Client talks to the eLaw backend.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  *slog.Logger

	tokens   TokenSource
	observer RequestObserver

	mu             sync.RWMutex
	onUnauthorized UnauthorizedHook
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests use httptest servers' clients).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithObserver registers a request observer.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithUnauthorizedHook sets the global 401 hook.
func WithUnauthorizedHook(h UnauthorizedHook) Option {
	return func(c *Client) { c.onUnauthorized = h }
}

// New constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, ErrConfig
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// OnUnauthorized replaces the 401 hook. Wiring sets it after the session
// manager exists, since the manager itself depends on the client.
func (c *Client) OnUnauthorized(h UnauthorizedHook) {
	c.mu.Lock()
	c.onUnauthorized = h
	c.mu.Unlock()
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// ---- auth ----

// Login exchanges credentials for a backend token.
func (c *Client) Login(ctx context.Context, cred Credentials) (AuthResponse, error) {
	return c.authCall(ctx, "/auth/login", cred)
}

// Register creates an account. The backend may or may not return a token.
func (c *Client) Register(ctx context.Context, reg Registration) (AuthResponse, error) {
	return c.authCall(ctx, "/auth/register", reg)
}

// ExchangeFederated trades a federated ID token for a backend token.
func (c *Client) ExchangeFederated(ctx context.Context, idToken string) (AuthResponse, error) {
	return c.authCall(ctx, "/auth/firebase", exchangeRequest{IDToken: idToken})
}

// Me validates token (or the current token when empty) and returns its user.
func (c *Client) Me(ctx context.Context, token string) (session.User, error) {
	var out meResponse
	if _, err := c.do(ctx, http.MethodGet, "/auth/me", token, nil, &out); err != nil {
		return session.User{}, err
	}
	if out.User == nil || strings.TrimSpace(out.User.ID) == "" {
		return session.User{}, fmt.Errorf("backend GET /auth/me: %w", errMissingUser)
	}
	return *out.User, nil
}

// Logout invalidates the current token server-side.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", "", nil, nil)
	return err
}

// ForgotPassword asks the backend to mail a one-time recovery code.
func (c *Client) ForgotPassword(ctx context.Context, in PasswordRecovery) (MessageResponse, error) {
	return c.messageCall(ctx, "/auth/forgot-password", in)
}

// VerifyOTP checks a recovery code.
func (c *Client) VerifyOTP(ctx context.Context, in OTPVerification) (MessageResponse, error) {
	return c.messageCall(ctx, "/auth/verify-otp", in)
}

// ResetPassword sets a new password using a verified recovery code.
func (c *Client) ResetPassword(ctx context.Context, in PasswordReset) (MessageResponse, error) {
	return c.messageCall(ctx, "/auth/reset-password", in)
}

// ---- notifications ----

// ListNotifications fetches the full pull-origin notification list.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	body, err := c.do(ctx, http.MethodGet, "/notifications", "", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeNotifications(body)
	if err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return list, nil
}

// MarkNotificationRead marks one pull-origin notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("backend: empty notification id")
	}
	_, err := c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", "", nil, nil)
	return err
}

// MarkAllNotificationsRead marks every pull-origin notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/notifications/mark-all-read", "", nil, nil)
	return err
}

// ---- transport ----

var errMissingUser = errors.New("response carries no user")

func (c *Client) authCall(ctx context.Context, path string, in any) (AuthResponse, error) {
	var out AuthResponse
	body, err := c.do(ctx, http.MethodPost, path, "", in, &out)
	if err != nil {
		return AuthResponse{}, err
	}
	out.Raw = json.RawMessage(body)
	return out, nil
}

func (c *Client) messageCall(ctx context.Context, path string, in any) (MessageResponse, error) {
	var out MessageResponse
	if _, err := c.do(ctx, http.MethodPost, path, "", in, &out); err != nil {
		return MessageResponse{}, err
	}
	return out, nil
}

// do issues one request. An empty token falls back to the TokenSource.
// When out is non-nil the 2xx body is decoded into it; the raw body is returned either way.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	if token == "" && c.tokens != nil {
		token = c.tokens.CurrentToken()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(method, 0, elapsed)
		c.log.Info("backend.request.fail", "method", method, "path", path, "request_id", reqID, "err", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	c.observe(method, resp.StatusCode, elapsed)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %w", ErrTransport, method, path, err)
	}

	c.log.Debug("backend.request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", reqID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, method, path, body)
		if resp.StatusCode == http.StatusUnauthorized && token != "" {
			c.unauthorized(ctx, token, apiErr)
		}
		return body, apiErr
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return body, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return body, nil
}

func (c *Client) unauthorized(ctx context.Context, token string, err error) {
	c.mu.RLock()
	h := c.onUnauthorized
	c.mu.RUnlock()

	if h == nil {
		return
	}
	c.log.Info("backend.unauthorized", "err", err)
	h(ctx, token, err)
}

func (c *Client) observe(method string, status int, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.BackendRequest(method, status, elapsed)
	}
}
