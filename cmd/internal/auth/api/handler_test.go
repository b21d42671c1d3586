package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

type stubBackend struct {
	mu sync.Mutex

	loginResp   backend.AuthResponse
	loginErr    error
	loginCalls  int
	registerErr error
	logoutCalls int
}

func (s *stubBackend) Me(context.Context, string) (session.User, error) {
	return session.User{}, backend.ErrUnauthorized
}

func (s *stubBackend) ExchangeFederated(context.Context, string) (backend.AuthResponse, error) {
	return backend.AuthResponse{}, backend.ErrServer
}

func (s *stubBackend) Login(_ context.Context, _ backend.Credentials) (backend.AuthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginCalls++
	return s.loginResp, s.loginErr
}

func (s *stubBackend) Register(_ context.Context, reg backend.Registration) (backend.AuthResponse, error) {
	if s.registerErr != nil {
		return backend.AuthResponse{}, s.registerErr
	}
	return backend.AuthResponse{Message: "Check your inbox"}, nil
}

func (s *stubBackend) ForgotPassword(_ context.Context, in backend.PasswordRecovery) (backend.MessageResponse, error) {
	if in.Email != "ann@b.c" {
		return backend.MessageResponse{}, &backend.APIError{Status: 422, Message: "We can't find a user with that email address."}
	}
	return backend.MessageResponse{Message: "OTP sent"}, nil
}

func (s *stubBackend) VerifyOTP(_ context.Context, in backend.OTPVerification) (backend.MessageResponse, error) {
	if in.OTP != "123456" {
		return backend.MessageResponse{}, &backend.APIError{Status: 422, Message: "Invalid OTP."}
	}
	return backend.MessageResponse{Message: "OTP verified"}, nil
}

func (s *stubBackend) ResetPassword(context.Context, backend.PasswordReset) (backend.MessageResponse, error) {
	return backend.MessageResponse{Message: "Password updated"}, nil
}

func (s *stubBackend) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutCalls++
	return nil
}

func (s *stubBackend) logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

func (s *stubBackend) logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

type redirectorStub struct {
	url      string
	complete error
	gotState string
	gotCode  string
}

func (r *redirectorStub) AuthCodeURL() (string, error) { return r.url, nil }

func (r *redirectorStub) Complete(_ context.Context, state, code string) error {
	r.gotState, r.gotCode = state, code
	return r.complete
}

func lawyerResponse(token string) backend.AuthResponse {
	return backend.AuthResponse{
		Token: token,
		User:  &session.User{ID: "7", Name: "Lee", Roles: []session.RoleRef{{Name: "Lawyer"}}},
		Raw:   json.RawMessage(`{"token":"` + token + `"}`),
	}
}

func newTestServer(t *testing.T, be *stubBackend, cfg Config, opts ...HandlerOption) (*httptest.Server, *session.Store) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(session.DefaultConfig(), session.WithLogger(log))
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	mgr := identity.NewManager(store, be, nil, identity.WithManagerLogger(log))

	h, err := NewHandler(log, cfg, mgr, store, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func noRedirectClient(srv *httptest.Server) *http.Client {
	c := srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

func postJSON(t *testing.T, c *http.Client, url, body string) (int, http.Header, map[string]any) {
	t.Helper()
	resp, err := c.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, resp.Header, out
}

func testConfig() Config {
	return Config{MaxBodyBytes: 1 << 12, AfterLogin: "/dashboard"}
}

func TestLogin_AdoptsSessionAndRedirects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from string
		want string
	}{
		{name: "role dashboard", want: "/lawyer/dashboard"},
		{name: "back to from", from: "/lawyer/cases?page=2", want: "/lawyer/cases?page=2"},
		{name: "offsite from ignored", from: "//evil.example/x", want: "/lawyer/dashboard"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, store := newTestServer(t, &stubBackend{loginResp: lawyerResponse("tok-1")}, testConfig())
			body := `{"email":"lee@example.com","password":"pw","from":` + strconvQuote(tc.from) + `}`

			status, _, out := postJSON(t, srv.Client(), srv.URL+"/auth/login", body)
			if status != http.StatusOK {
				t.Fatalf("status=%d body=%v", status, out)
			}
			if out["success"] != true || out["redirect"] != tc.want {
				t.Fatalf("unexpected body: %v", out)
			}
			if store.State() != session.StateAuthenticated || store.Token() != "tok-1" {
				t.Fatalf("session not adopted: %v", store.State())
			}
		})
	}
}

func TestLogin_FailureStatusAndMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "bad credentials",
			err:        &backend.APIError{Status: 401, Message: "Invalid credentials"},
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "Invalid credentials",
		},
		{
			name:       "field errors",
			err:        &backend.APIError{Status: 422, Fields: map[string][]string{"email": {"The email field is required."}}},
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    "email: The email field is required.",
		},
		{
			name:       "backend down",
			err:        errors.Join(backend.ErrTransport, errors.New("dial tcp")),
			wantStatus: http.StatusBadGateway,
			wantMsg:    backend.DefaultErrorMessage,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, store := newTestServer(t, &stubBackend{loginErr: tc.err}, testConfig())
			status, _, out := postJSON(t, srv.Client(), srv.URL+"/auth/login", `{"email":"a@b.c","password":"pw"}`)
			if status != tc.wantStatus {
				t.Fatalf("status=%d, want %d", status, tc.wantStatus)
			}
			msgs, _ := out["messages"].([]any)
			if out["success"] == true || len(msgs) != 1 || msgs[0] != tc.wantMsg {
				t.Fatalf("unexpected body: %v", out)
			}
			if store.State() != session.StateAnonymous {
				t.Fatalf("state=%v, want anonymous", store.State())
			}
		})
	}
}

func TestLogin_RejectsMalformedBody(t *testing.T) {
	t.Parallel()

	be := &stubBackend{}
	srv, _ := newTestServer(t, be, testConfig())

	for _, body := range []string{`{"email":"a@b.c"}`, `{"email":"a@b.c","password":"x","extra":1}`, `not json`} {
		status, _, _ := postJSON(t, srv.Client(), srv.URL+"/auth/login", body)
		if status != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d, want 400", body, status)
		}
	}
	if be.logins() != 0 {
		t.Fatalf("backend called for malformed input")
	}
}

func TestLogin_RepeatedFailuresReachBackend(t *testing.T) {
	t.Parallel()

	be := &stubBackend{loginErr: &backend.APIError{Status: 401, Message: "Invalid credentials"}}
	srv, _ := newTestServer(t, be, testConfig())

	for i := 0; i < 8; i++ {
		status, _, _ := postJSON(t, srv.Client(), srv.URL+"/auth/login", `{"email":"a@b.c","password":"bad"}`)
		if status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d", i, status)
		}
	}
	if be.logins() != 8 {
		t.Fatalf("backend logins=%d, want 8", be.logins())
	}
}

func TestLoginPage(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, &stubBackend{}, testConfig())
	c := noRedirectClient(srv)

	resp, err := c.Get(srv.URL + "/auth/login?from=%2Fclient%2Fcases")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var page pageResponse
	_ = json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || page.Page != "login" || page.From != "/client/cases" {
		t.Fatalf("unexpected page: %d %+v", resp.StatusCode, page)
	}

	// An authenticated visitor is sent on.
	if err := store.SetSession(context.Background(), session.User{ID: "1", Role: "client"}, "tok", nil); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	resp, err = c.Get(srv.URL + "/auth/login")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/client/dashboard" {
		t.Fatalf("unexpected redirect: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, &stubBackend{}, testConfig())
	status, _, out := postJSON(t, srv.Client(), srv.URL+"/auth/register",
		`{"name":"Ann","email":"ann@b.c","password":"pw","password_confirmation":"pw","role":"client"}`)
	if status != http.StatusOK || out["success"] != true || out["redirect"] != "/auth/login" {
		t.Fatalf("unexpected: %d %v", status, out)
	}
	if store.State() != session.StateAnonymous {
		t.Fatalf("register without token must not sign in")
	}
}

func TestPasswordRecovery(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, &stubBackend{}, testConfig())
	c := srv.Client()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantMsg    string
		wantRedir  string
	}{
		{"forgot", "/auth/forgot-password", `{"email":"ann@b.c"}`, http.StatusOK, "OTP sent", ""},
		{"forgot unknown email", "/auth/forgot-password", `{"email":"x@b.c"}`, http.StatusUnprocessableEntity, "We can't find a user with that email address.", ""},
		{"forgot missing email", "/auth/forgot-password", `{"email":" "}`, http.StatusBadRequest, "", ""},
		{"verify", "/auth/verify-otp", `{"email":"ann@b.c","otp":"123456"}`, http.StatusOK, "OTP verified", ""},
		{"verify wrong code", "/auth/verify-otp", `{"email":"ann@b.c","otp":"000000"}`, http.StatusUnprocessableEntity, "Invalid OTP.", ""},
		{"verify missing otp", "/auth/verify-otp", `{"email":"ann@b.c"}`, http.StatusBadRequest, "", ""},
		{"reset", "/auth/reset-password", `{"email":"ann@b.c","otp":"123456","password":"pw","password_confirmation":"pw"}`, http.StatusOK, "Password updated", "/auth/login"},
	}
	for _, tt := range tests {
		status, _, out := postJSON(t, c, srv.URL+tt.path, tt.body)
		if status != tt.wantStatus {
			t.Fatalf("%s: status=%d want %d (%v)", tt.name, status, tt.wantStatus, out)
		}
		if tt.wantMsg != "" {
			msgs, _ := out["messages"].([]any)
			if len(msgs) != 1 || msgs[0] != tt.wantMsg {
				t.Fatalf("%s: messages=%v want %q", tt.name, out["messages"], tt.wantMsg)
			}
		}
		if got, _ := out["redirect"].(string); got != tt.wantRedir {
			t.Fatalf("%s: redirect=%q want %q", tt.name, got, tt.wantRedir)
		}
	}

	resp, err := c.Get(srv.URL + "/auth/forgot-password")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var page map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&page)
	if resp.StatusCode != http.StatusOK || page["page"] != "forgot-password" {
		t.Fatalf("page: %d %v", resp.StatusCode, page)
	}

	if store.State() == session.StateAuthenticated {
		t.Fatalf("password recovery must not sign in")
	}
}

func TestLogoutAndSession(t *testing.T) {
	t.Parallel()

	be := &stubBackend{loginResp: lawyerResponse("tok-9")}
	srv, _ := newTestServer(t, be, testConfig(), WithLoading(func() bool { return false }))

	getSession := func() sessionResponse {
		t.Helper()
		resp, err := srv.Client().Get(srv.URL + "/auth/session")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var out sessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	if got := getSession(); got.Authenticated || got.State != "anonymous" || got.Loading {
		t.Fatalf("unexpected initial session: %+v", got)
	}

	postJSON(t, srv.Client(), srv.URL+"/auth/login", `{"email":"lee@b.c","password":"pw"}`)
	got := getSession()
	if !got.Authenticated || got.Role != "lawyer" || got.User == nil || got.User.ID != "7" {
		t.Fatalf("unexpected session: %+v", got)
	}

	status, _, out := postJSON(t, srv.Client(), srv.URL+"/auth/logout", `{}`)
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("logout: %d %v", status, out)
	}
	if got := getSession(); got.Authenticated {
		t.Fatalf("still authenticated after logout")
	}

	// Second logout is a quiet success.
	_, _, out = postJSON(t, srv.Client(), srv.URL+"/auth/logout", `{}`)
	if out["success"] != true || out["messages"] != nil {
		t.Fatalf("second logout: %v", out)
	}
	if be.logouts() != 1 {
		t.Fatalf("backend logout calls=%d, want 1", be.logouts())
	}
}

func TestSession_ReportsLoading(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubBackend{}, testConfig(), WithLoading(func() bool { return true }))
	resp, err := srv.Client().Get(srv.URL + "/auth/session")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var out sessionResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if !out.Loading {
		t.Fatalf("expected loading=true")
	}
}

func TestFederatedFlow(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &stubBackend{}, testConfig())
		resp, err := noRedirectClient(srv).Get(srv.URL + "/auth/federated/start")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status=%d", resp.StatusCode)
		}
	})

	t.Run("start and callback", func(t *testing.T) {
		t.Parallel()
		rd := &redirectorStub{url: "https://idp.example/authorize?state=s1"}
		srv, _ := newTestServer(t, &stubBackend{}, testConfig(), WithRedirector(rd))
		c := noRedirectClient(srv)

		resp, err := c.Get(srv.URL + "/auth/federated/start")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != rd.url {
			t.Fatalf("start: %d %q", resp.StatusCode, resp.Header.Get("Location"))
		}

		resp, err = c.Get(srv.URL + "/auth/federated/callback?state=s1&code=c1")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
			t.Fatalf("callback: %d %q", resp.StatusCode, resp.Header.Get("Location"))
		}
		if rd.gotState != "s1" || rd.gotCode != "c1" {
			t.Fatalf("complete got state=%q code=%q", rd.gotState, rd.gotCode)
		}
	})

	t.Run("expired state", func(t *testing.T) {
		t.Parallel()
		rd := &redirectorStub{complete: federated.ErrInvalidState}
		srv, _ := newTestServer(t, &stubBackend{}, testConfig(), WithRedirector(rd))

		resp, err := noRedirectClient(srv).Get(srv.URL + "/auth/federated/callback?state=old&code=c")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status=%d", resp.StatusCode)
		}
	})
}

func TestDevSignIn(t *testing.T) {
	t.Parallel()

	dev, err := federated.NewDev(strings.Repeat("k", 32), "", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDev: %v", err)
	}
	srv, _ := newTestServer(t, &stubBackend{}, testConfig(), WithDevProvider(dev))

	status, _, out := postJSON(t, srv.Client(), srv.URL+"/auth/federated/dev", `{"email":" Ann@Example.com ","name":"Ann"}`)
	if status != http.StatusAccepted || out["subject"] != "ann@example.com" {
		t.Fatalf("unexpected: %d %v", status, out)
	}
	if cur := dev.Current(); cur == nil || cur.Email != "ann@example.com" {
		t.Fatalf("dev provider not signed in: %+v", cur)
	}
}

func TestSafeFrom(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                 "",
		"/lawyer/cases":    "/lawyer/cases",
		"//evil.example":   "",
		"/\\evil.example":  "",
		"https://evil.com": "",
		"/auth/login":      "",
	}
	for in, want := range tests {
		if got := safeFrom(in); got != want {
			t.Fatalf("safeFrom(%q)=%q, want %q", in, got, want)
		}
	}
}

func strconvQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
