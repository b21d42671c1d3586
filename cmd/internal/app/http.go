package app

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/authz"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.Reconciler.Loading() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "session loading", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	a.auth.Register(mux)
	a.notify.Register(mux)
	mux.Handle("/ws", a.gateway)

	// Guarded pages. The gate in front of the mux has already admitted the
	// caller; these only describe the page for the view.
	mux.Handle("/dashboard", a.gate.DashboardHandler())
	mux.HandleFunc("GET /lawyer/", a.page("lawyer"))
	mux.HandleFunc("GET /client/", a.page("client"))
	mux.HandleFunc("GET /firm/", a.page("firm"))
	mux.HandleFunc("GET /notifications/page", a.page("notifications"))
	mux.HandleFunc("GET /unauthorized", func(w http.ResponseWriter, _ *http.Request) {
		writePage(w, http.StatusOK, pageDescriptor{Page: "unauthorized"})
	})
}

type pageDescriptor struct {
	Page string        `json:"page"`
	Path string        `json:"path,omitempty"`
	Role string        `json:"role,omitempty"`
	User *session.User `json:"user,omitempty"`
}

// page describes a guarded page from the session the guard admitted on, so
// a logout racing the request cannot leak into the response.
func (a *App) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, ok := authz.ViewFromContext(r.Context())
		if !ok || !view.Authenticated {
			writePage(w, http.StatusForbidden, pageDescriptor{Page: "unauthorized"})
			return
		}
		snap := view.Session
		writePage(w, http.StatusOK, pageDescriptor{
			Page: name,
			Path: r.URL.Path,
			Role: snap.Role.String(),
			User: snap.User,
		})
	}
}

func writePage(w http.ResponseWriter, status int, v pageDescriptor) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runtimeBaseURL is the URL a local client should use to reach addr.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
