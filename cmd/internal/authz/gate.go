// Package authz answers access-control questions over the session store and
// guards view routes with them.
package authz

import (
	"context"
	"log/slog"
	"slices"

	"elaw/cmd/internal/auth/session"
)

// LoadingFunc reports whether startup reconciliation is still running.
type LoadingFunc func() bool

// Gate reads the session store. It never mutates the session except through
// Check, which lets the store drop a session whose durable token diverged.
type Gate struct {
	log     *slog.Logger
	store   *session.Store
	loading LoadingFunc
}

// NewGate builds a Gate. loading may be nil.
func NewGate(store *session.Store, loading LoadingFunc, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if loading == nil {
		loading = func() bool { return false }
	}
	return &Gate{log: log, store: store, loading: loading}
}

// IsAuthenticated reports whether both user and token are present in the
// current snapshot. It does not consult the durable token; Check does.
func (g *Gate) IsAuthenticated() bool {
	return g.store.Snapshot().Authenticated()
}

// HasRole reports whether the session role equals role.
func (g *Gate) HasRole(role session.Role) bool {
	snap := g.store.Snapshot()
	return snap.Authenticated() && snap.Role == session.NormalizeRole(string(role))
}

// HasAnyRole reports whether the session role is one of roles.
func (g *Gate) HasAnyRole(roles ...session.Role) bool {
	snap := g.store.Snapshot()
	return snap.Authenticated() && roleIn(snap.Role, roles)
}

// Role returns the derived role, RoleNone when anonymous.
func (g *Gate) Role() session.Role {
	return g.store.Role()
}

// User returns a copy of the session user, nil when anonymous.
func (g *Gate) User() *session.User {
	return g.store.Snapshot().User
}

// View is the session as the guard sees it.
type View struct {
	Loading       bool
	State         session.State
	Authenticated bool
	Role          session.Role

	// Session is the snapshot the view was taken from.
	Session session.Snapshot
}

// Check verifies the durable token against the session and returns the
// resulting view. A diverged session is cleared by the store and reported
// as anonymous.
func (g *Gate) Check(ctx context.Context) View {
	if _, err := g.store.Verify(ctx); err != nil {
		g.log.Warn("authz.verify.fail", "err", err)
	}
	snap := g.store.Snapshot()
	return View{
		Loading:       g.loading() || snap.State == session.StateUnresolved,
		State:         snap.State,
		Authenticated: snap.Authenticated(),
		Role:          snap.Role,
		Session:       snap,
	}
}

// Decision is the outcome of guarding one route.
type Decision int

const (
	DecisionLoading Decision = iota
	DecisionLogin
	DecisionForbidden
	DecisionUnauthorizedRedirect
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionLoading:
		return "loading"
	case DecisionLogin:
		return "login"
	case DecisionForbidden:
		return "forbidden"
	case DecisionUnauthorizedRedirect:
		return "unauthorized_redirect"
	case DecisionAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// Decide is the pure guard decision for view v against rule.
func Decide(v View, rule Rule) Decision {
	if v.Loading {
		return DecisionLoading
	}
	if !v.Authenticated {
		return DecisionLogin
	}
	if len(rule.Roles) == 0 || roleIn(v.Role, rule.Roles) {
		return DecisionAllow
	}
	if rule.Deny == DenyRedirect {
		return DecisionUnauthorizedRedirect
	}
	return DecisionForbidden
}

func roleIn(role session.Role, roles []session.Role) bool {
	if role == session.RoleNone {
		return false
	}
	return slices.ContainsFunc(roles, func(r session.Role) bool {
		return session.NormalizeRole(string(r)) == role
	})
}

// DashboardPath is the landing page for role.
func DashboardPath(role session.Role) string {
	switch role {
	case session.RoleLawyer:
		return "/lawyer/dashboard"
	case session.RoleFirm:
		return "/firm/dashboard"
	default:
		return "/client/dashboard"
	}
}
