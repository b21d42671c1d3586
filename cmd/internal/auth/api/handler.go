package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/authz"
	"elaw/cmd/internal/backend"
)

// Handler wires the local session endpoints to the identity manager.
type Handler struct {
	log *slog.Logger
	cfg Config

	manager *identity.Manager
	store   *session.Store
	loading func() bool

	redirector federated.Redirector
	dev        *federated.Dev
}

// HandlerOption configures optional session endpoint dependencies.
type HandlerOption func(*Handler)

// WithLoading reports startup reconciliation to /auth/session.
func WithLoading(fn func() bool) HandlerOption {
	return func(h *Handler) {
		if h == nil || fn == nil {
			return
		}
		h.loading = fn
	}
}

// WithRedirector enables the browser sign-in flow of a federated provider.
func WithRedirector(r federated.Redirector) HandlerOption {
	return func(h *Handler) {
		if h == nil || r == nil {
			return
		}
		h.redirector = r
	}
}

// WithDevProvider enables sign-in at the local identity emulator.
func WithDevProvider(d *federated.Dev) HandlerOption {
	return func(h *Handler) {
		if h == nil || d == nil {
			return
		}
		h.dev = d
	}
}

// NewHandler constructs a session endpoint Handler.
func NewHandler(log *slog.Logger, cfg Config, manager *identity.Manager, store *session.Store, opts ...HandlerOption) (*Handler, error) {
	if manager == nil || store == nil {
		return nil, errors.New("authapi: nil manager or store")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:     log,
		cfg:     cfg.normalized(),
		manager: manager,
		store:   store,
		loading: func() bool { return false },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/forgot-password", h.handleForgotPassword)
	mux.HandleFunc("/auth/verify-otp", h.handleVerifyOTP)
	mux.HandleFunc("/auth/reset-password", h.handleResetPassword)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/session", h.handleSession)
	mux.HandleFunc("/auth/federated/start", h.handleFederatedStart)
	mux.HandleFunc("/auth/federated/callback", h.handleFederatedCallback)
	mux.HandleFunc("/auth/federated/dev", h.handleDevSignIn)
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		from := safeFrom(r.URL.Query().Get("from"))
		snap := h.store.Snapshot()
		if snap.Authenticated() {
			http.Redirect(w, r, h.landing(from, snap.Role), http.StatusFound)
			return
		}
		writeJSON(w, http.StatusOK, pageResponse{Page: "login", From: from})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	res := h.manager.Login(r.Context(), backend.Credentials{Email: req.Email, Password: req.Password})
	if !res.Success {
		writeJSON(w, statusFor(res.Err), resultResponse{Messages: res.Messages})
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		Success:  true,
		Messages: res.Messages,
		Redirect: h.landing(safeFrom(req.From), h.store.Role()),
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, pageResponse{Page: "register"})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	res := h.manager.Register(r.Context(), backend.Registration{
		Name:                 req.Name,
		Email:                req.Email,
		Password:             req.Password,
		PasswordConfirmation: req.PasswordConfirmation,
		Role:                 req.Role,
	})
	if !res.Success {
		writeJSON(w, statusFor(res.Err), resultResponse{Messages: res.Messages})
		return
	}

	out := resultResponse{Success: true, Messages: res.Messages, Redirect: "/auth/login"}
	if snap := h.store.Snapshot(); snap.Authenticated() {
		out.Redirect = authz.DashboardPath(snap.Role)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, pageResponse{Page: "forgot-password"})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req forgotPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	h.writeResult(w, h.manager.ForgotPassword(r.Context(), backend.PasswordRecovery{Email: req.Email}), "")
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyOTPRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.OTP) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and otp are required")
		return
	}
	h.writeResult(w, h.manager.VerifyOTP(r.Context(), backend.OTPVerification{Email: req.Email, OTP: req.OTP}), "")
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	res := h.manager.ResetPassword(r.Context(), backend.PasswordReset{
		Email:                req.Email,
		OTP:                  req.OTP,
		Password:             req.Password,
		PasswordConfirmation: req.PasswordConfirmation,
	})
	h.writeResult(w, res, "/auth/login")
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res := h.manager.Logout(r.Context())
	writeJSON(w, http.StatusOK, resultResponse{Success: res.Success, Messages: res.Messages, Redirect: "/auth/login"})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.store.Verify(r.Context()); err != nil {
		h.log.Warn("auth.session.verify.fail", "err", err)
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.store.Snapshot(), h.loading()))
}

func (h *Handler) handleFederatedStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.redirector == nil {
		writeError(w, http.StatusNotFound, "federated_disabled", "federated sign-in is not configured")
		return
	}
	u, err := h.redirector.AuthCodeURL()
	if err != nil {
		h.log.Error("auth.federated.start.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (h *Handler) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.redirector == nil {
		writeError(w, http.StatusNotFound, "federated_disabled", "federated sign-in is not configured")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.log.Info("auth.federated.callback.denied", "error", e)
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "state and code are required")
		return
	}

	if err := h.redirector.Complete(r.Context(), state, code); err != nil {
		if errors.Is(err, federated.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, "invalid_state", "sign-in expired, please start again")
			return
		}
		h.log.Warn("auth.federated.callback.fail", "err", err)
		writeError(w, http.StatusBadGateway, "provider_error", "sign-in failed")
		return
	}

	// The reconciler exchanges the new identity asynchronously; the
	// landing page is guarded and waits for it.
	http.Redirect(w, r, h.cfg.AfterLogin, http.StatusFound)
}

func (h *Handler) handleDevSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.dev == nil {
		writeError(w, http.StatusNotFound, "federated_disabled", "dev sign-in is not configured")
		return
	}

	var req devSignInRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	id, err := h.dev.SignInEmail(req.Email, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"subject": id.Subject})
}

// ---- helpers ----

// writeResult answers a session action; redirect is only sent on success.
func (h *Handler) writeResult(w http.ResponseWriter, res identity.Result, redirect string) {
	if !res.Success {
		writeJSON(w, statusFor(res.Err), resultResponse{Messages: res.Messages})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true, Messages: res.Messages, Redirect: redirect})
}

func (h *Handler) landing(from string, role session.Role) string {
	if from != "" {
		return from
	}
	return authz.DashboardPath(role)
}

// safeFrom keeps only same-origin absolute paths.
func safeFrom(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return ""
	}
	if strings.HasPrefix(raw, "/auth/") {
		return ""
	}
	return raw
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, backend.ErrServer), errors.Is(err, backend.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
