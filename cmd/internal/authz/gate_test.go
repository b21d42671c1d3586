package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"elaw/cmd/internal/auth/session"
)

func newStore(t *testing.T) (*session.Store, *session.MemoryTokenStore) {
	t.Helper()
	tokens := session.NewMemoryTokenStore()
	return session.NewStore(session.DefaultConfig(), session.WithTokenStore(tokens)), tokens
}

func login(t *testing.T, s *session.Store, role session.Role) {
	t.Helper()
	if err := s.SetSession(context.Background(), session.User{ID: "1", Role: role}, "tok", nil); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	clientOnly := Rule{Path: "/client/", Roles: []session.Role{session.RoleClient}, Deny: DenyForbidden}
	clientRedirect := Rule{Path: "/client/", Roles: []session.Role{session.RoleClient}, Deny: DenyRedirect}
	anyUser := Rule{Path: "/dashboard"}

	tests := []struct {
		name string
		view View
		rule Rule
		want Decision
	}{
		{"loading wins over everything", View{Loading: true, Authenticated: true, Role: session.RoleClient}, clientOnly, DecisionLoading},
		{"anonymous goes to login", View{State: session.StateAnonymous}, clientOnly, DecisionLogin},
		{"role match", View{Authenticated: true, Role: session.RoleClient}, clientOnly, DecisionAllow},
		{"role mismatch forbidden", View{Authenticated: true, Role: session.RoleLawyer}, clientOnly, DecisionForbidden},
		{"role mismatch redirect", View{Authenticated: true, Role: session.RoleLawyer}, clientRedirect, DecisionUnauthorizedRedirect},
		{"no role on session", View{Authenticated: true}, clientOnly, DecisionForbidden},
		{"any authenticated", View{Authenticated: true, Role: session.RoleFirm}, anyUser, DecisionAllow},
		{"any authenticated, anonymous", View{}, anyUser, DecisionLogin},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Decide(tc.view, tc.rule); got != tc.want {
				t.Fatalf("Decide=%s want %s", got, tc.want)
			}
		})
	}
}

func TestGate_Reads(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	g := NewGate(s, nil, nil)

	if g.IsAuthenticated() || g.HasRole(session.RoleLawyer) || g.User() != nil {
		t.Fatalf("unresolved store must not look authenticated")
	}

	login(t, s, session.RoleLawyer)
	if !g.IsAuthenticated() {
		t.Fatalf("expected authenticated")
	}
	if !g.HasRole("Lawyer") {
		t.Fatalf("HasRole should normalise case")
	}
	if g.HasRole(session.RoleClient) {
		t.Fatalf("unexpected client role")
	}
	if !g.HasAnyRole(session.RoleClient, session.RoleLawyer) || g.HasAnyRole(session.RoleFirm) {
		t.Fatalf("HasAnyRole mismatch")
	}
	if g.Role() != session.RoleLawyer || g.User().ID != "1" {
		t.Fatalf("role=%q user=%+v", g.Role(), g.User())
	}
}

func TestDashboardPath(t *testing.T) {
	t.Parallel()

	tests := map[session.Role]string{
		session.RoleLawyer: "/lawyer/dashboard",
		session.RoleFirm:   "/firm/dashboard",
		session.RoleClient: "/client/dashboard",
		"paralegal":        "/client/dashboard",
		session.RoleNone:   "/client/dashboard",
	}
	for role, want := range tests {
		if got := DashboardPath(role); got != want {
			t.Fatalf("DashboardPath(%q)=%q want %q", role, got, want)
		}
	}
}

func guarded(g *Gate) (http.Handler, *bool) {
	reached := false
	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		_, _ = w.Write([]byte("secret"))
	})
	return g.Guard(DefaultRoutes(), page), &reached
}

func TestGuard_LawyerOnClientRouteIsForbidden(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	login(t, s, session.RoleLawyer)
	h, reached := guarded(NewGate(s, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/client/cases", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rec.Code)
	}
	if *reached {
		t.Fatalf("guarded content rendered for a forbidden caller")
	}
}

func TestGuard_AnonymousRedirectsWithFrom(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	h, reached := guarded(NewGate(s, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lawyer/cases?page=2", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status=%d want 302", rec.Code)
	}
	if got, want := rec.Header().Get("Location"), "/auth/login?from=%2Flawyer%2Fcases%3Fpage%3D2"; got != want {
		t.Fatalf("Location=%q want %q", got, want)
	}
	if *reached {
		t.Fatalf("guarded content rendered for anonymous caller")
	}
}

func TestGuard_LoadingHoldsDecision(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	login(t, s, session.RoleClient)
	h, reached := guarded(NewGate(s, func() bool { return true }, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/client/cases", nil))

	if rec.Code != http.StatusServiceUnavailable || *reached {
		t.Fatalf("status=%d reached=%v", rec.Code, *reached)
	}
}

func TestGuard_AllowsMatchingRoleAndPassesUnguarded(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	login(t, s, session.RoleClient)
	h, reached := guarded(NewGate(s, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/client/cases", nil))
	if rec.Code != http.StatusOK || !*reached || rec.Body.String() != "secret" {
		t.Fatalf("status=%d reached=%v body=%q", rec.Code, *reached, rec.Body.String())
	}

	*reached = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/about", nil))
	if !*reached {
		t.Fatalf("unguarded path should pass through")
	}
}

func TestGuard_DivergedTokenIsTreatedAsAnonymous(t *testing.T) {
	t.Parallel()

	s, tokens := newStore(t)
	login(t, s, session.RoleClient)
	if err := tokens.Save(context.Background(), "someone-else", time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	h, reached := guarded(NewGate(s, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/client/cases", nil))

	if rec.Code != http.StatusFound || *reached {
		t.Fatalf("status=%d reached=%v", rec.Code, *reached)
	}
	if s.State() != session.StateAnonymous {
		t.Fatalf("state=%s want anonymous", s.State())
	}
}

func TestGate_CheckDetectsRemovedToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, tokens := newStore(t)
	login(t, s, session.RoleLawyer)
	if err := tokens.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	g := NewGate(s, nil, nil)

	// Reads see the in-memory snapshot until a check runs.
	if !g.IsAuthenticated() {
		t.Fatalf("IsAuthenticated should read the snapshot only")
	}

	v := g.Check(ctx)
	if v.Authenticated || v.State != session.StateAnonymous {
		t.Fatalf("Check view=%+v want anonymous", v)
	}
	if g.IsAuthenticated() || g.User() != nil {
		t.Fatalf("session survived a removed durable token")
	}
}

func TestGuard_AdmittedViewSurvivesLogout(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	login(t, s, session.RoleClient)

	var got View
	var ok bool
	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A logout lands between admission and rendering.
		if err := s.Clear(r.Context()); err != nil {
			t.Errorf("Clear: %v", err)
		}
		got, ok = ViewFromContext(r.Context())
	})
	h := NewGate(s, nil, nil).Guard(DefaultRoutes(), page)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/client/cases", nil))

	if !ok {
		t.Fatalf("guarded handler saw no admitted view")
	}
	if !got.Authenticated || got.Role != session.RoleClient || got.Session.User == nil || got.Session.User.ID != "1" {
		t.Fatalf("unexpected admitted view: %+v", got)
	}
	if s.State() != session.StateAnonymous {
		t.Fatalf("state=%s want anonymous", s.State())
	}

	// Unguarded paths carry no view.
	var unguarded bool
	open := NewGate(s, nil, nil).Guard(DefaultRoutes(), http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, unguarded = ViewFromContext(r.Context())
	}))
	open.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if unguarded {
		t.Fatalf("unguarded request carried a view")
	}
}

func TestDashboardHandler(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	login(t, s, session.RoleFirm)
	g := NewGate(s, nil, nil)
	h := g.Guard(DefaultRoutes(), g.DashboardHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/firm/dashboard" {
		t.Fatalf("status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
}
