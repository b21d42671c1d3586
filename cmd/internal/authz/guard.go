package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

type viewKey struct{}

// WithView returns a context carrying the admitted view.
func WithView(ctx context.Context, v View) context.Context {
	return context.WithValue(ctx, viewKey{}, v)
}

// ViewFromContext returns the view Guard admitted the request on.
func ViewFromContext(ctx context.Context) (View, bool) {
	v, ok := ctx.Value(viewKey{}).(View)
	return v, ok
}

// Guard applies the route table in front of next. Paths without a rule pass
// through untouched; guarded paths reach next only on DecisionAllow, with
// the admitted view in the request context.
func (g *Gate) Guard(rt *Routes, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := rt.Match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		view := g.Check(r.Context())
		d := Decide(view, rule)
		if d != DecisionAllow {
			g.log.Info("authz.deny",
				"path", r.URL.Path,
				"decision", d.String(),
				"role", view.Role.String(),
			)
		}

		switch d {
		case DecisionAllow:
			next.ServeHTTP(w, r.WithContext(WithView(r.Context(), view)))
		case DecisionLoading:
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"loading": true})
		case DecisionLogin:
			http.Redirect(w, r, LoginURL(rt.Login, r.URL.RequestURI()), http.StatusFound)
		case DecisionUnauthorizedRedirect:
			http.Redirect(w, r, rt.Unauthorized, http.StatusFound)
		default:
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]string{"code": "forbidden", "message": "You do not have access to this page."},
			})
		}
	})
}

// LoginURL is the login entry point carrying the requested location.
func LoginURL(login, from string) string {
	if from == "" || from == "/" {
		return login
	}
	return login + "?" + url.Values{"from": {from}}.Encode()
}

// DashboardHandler redirects an authenticated caller to their role's
// dashboard. Put it behind Guard.
func (g *Gate) DashboardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := g.Role()
		if v, ok := ViewFromContext(r.Context()); ok {
			role = v.Role
		}
		http.Redirect(w, r, DashboardPath(role), http.StatusFound)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
