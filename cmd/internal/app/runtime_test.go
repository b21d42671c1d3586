package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/authz"
)

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	user := map[string]any{"id": "7", "name": "Ana Lawyer", "email": "ana@example.com", "role": "lawyer"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "user": user, "message": "Welcome back"})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"user": user})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func isolateEnv(t *testing.T, apiURL string) {
	t.Helper()
	for _, k := range []string{
		"ELAW_REDIS_URL",
		"ELAW_SESSION_PAYLOAD_FILE",
		"ELAW_FEDERATED_PROVIDER",
		"ELAW_FEED_SOURCE",
		"ELAW_ROUTES_FILE",
		"ELAW_CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("ELAW_API_URL", apiURL)
}

func newTestRuntime(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	be := fakeBackend(t)
	isolateEnv(t, be.URL+"/api")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(ctx, Config{MetricsEnabled: true}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := a.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestRuntime_AnonymousIsSentToLogin(t *testing.T) {
	_, srv := newTestRuntime(t)
	client := noRedirectClient()

	resp, err := client.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d want 200", resp.StatusCode)
	}

	resp, err = client.Get(srv.URL + "/lawyer/cases")
	if err != nil {
		t.Fatalf("GET /lawyer/cases: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status=%d want 302", resp.StatusCode)
	}
	if got, want := resp.Header.Get("Location"), authz.LoginURL("/auth/login", "/lawyer/cases"); got != want {
		t.Fatalf("Location=%q want %q", got, want)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestRuntime_LoginUnlocksRoleDashboard(t *testing.T) {
	a, srv := newTestRuntime(t)
	client := noRedirectClient()

	resp, err := client.Post(srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"email":"ana@example.com","password":"secret"}`))
	if err != nil {
		t.Fatalf("POST /auth/login: %v", err)
	}
	var res struct {
		Success  bool   `json:"success"`
		Redirect string `json:"redirect"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !res.Success {
		t.Fatalf("login status=%d success=%v", resp.StatusCode, res.Success)
	}
	if res.Redirect != "/lawyer/dashboard" {
		t.Fatalf("redirect=%q want /lawyer/dashboard", res.Redirect)
	}
	if a.Store.Role() != session.RoleLawyer {
		t.Fatalf("role=%q want lawyer", a.Store.Role())
	}

	resp, err = client.Get(srv.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET /dashboard: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/lawyer/dashboard" {
		t.Fatalf("dashboard status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.Get(srv.URL + "/lawyer/dashboard")
	if err != nil {
		t.Fatalf("GET /lawyer/dashboard: %v", err)
	}
	var page pageDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || page.Page != "lawyer" || page.Role != "lawyer" {
		t.Fatalf("page status=%d descriptor=%+v", resp.StatusCode, page)
	}

	resp, err = client.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `elaw_session_transitions_total{to="`+session.StateAuthenticated.String()+`"}`) {
		t.Fatalf("metrics missing authenticated transition:\n%s", body)
	}
}
