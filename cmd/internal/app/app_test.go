package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/authz"
)

func TestStreamURLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr     string
		wantHTTP string
		wantWS   string
	}{
		{addr: "127.0.0.1:5173", wantHTTP: "http://127.0.0.1:5173", wantWS: "ws://127.0.0.1:5173"},
		{addr: ":5173", wantHTTP: "http://127.0.0.1:5173", wantWS: "ws://127.0.0.1:5173"},
		{addr: "0.0.0.0:8080", wantHTTP: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080"},
		{addr: "[::]:9090", wantHTTP: "http://127.0.0.1:9090", wantWS: "ws://127.0.0.1:9090"},
		{addr: "[::1]:9090", wantHTTP: "http://[::1]:9090", wantWS: "ws://[::1]:9090"},
		{addr: "localhost:5173", wantHTTP: "http://localhost:5173", wantWS: "ws://localhost:5173"},
	}

	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			t.Parallel()

			base := runtimeBaseURL(tc.addr)
			if base != tc.wantHTTP {
				t.Fatalf("runtimeBaseURL(%q)=%q want %q", tc.addr, base, tc.wantHTTP)
			}
			if got := wsBaseURL(base); got != tc.wantWS {
				t.Fatalf("wsBaseURL(%q)=%q want %q", base, got, tc.wantWS)
			}
		})
	}
}

func TestWSBaseURL_Schemes(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"https://view.elaw.example": "wss://view.elaw.example",
		"http://127.0.0.1:5173":     "ws://127.0.0.1:5173",
		"127.0.0.1:5173":            "ws://127.0.0.1:5173",
	} {
		if got := wsBaseURL(in); got != want {
			t.Fatalf("wsBaseURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestPage_DescribesAdmittedSession(t *testing.T) {
	t.Parallel()

	a := &App{}
	h := a.page("lawyer")

	admitted := session.Snapshot{
		State: session.StateAuthenticated,
		User:  &session.User{ID: "7", Name: "Lee"},
		Token: "tok",
		Role:  session.RoleLawyer,
	}
	req := httptest.NewRequest(http.MethodGet, "/lawyer/cases", nil)
	req = req.WithContext(authz.WithView(req.Context(), authz.View{
		State:         admitted.State,
		Authenticated: true,
		Role:          admitted.Role,
		Session:       admitted,
	}))

	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got pageDescriptor
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Page != "lawyer" || got.Path != "/lawyer/cases" || got.Role != "lawyer" || got.User == nil || got.User.ID != "7" {
		t.Fatalf("unexpected descriptor: %+v", got)
	}

	// Without an admitted view the page refuses to describe anyone.
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/lawyer/cases", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rec.Code)
	}
}
