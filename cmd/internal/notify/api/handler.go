// Package notifyapi exposes the notification feed to the local view.
package notifyapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"elaw/cmd/internal/notify"
)

const maxBodyBytes = 16 << 10

// Handler serves the merged notification feed of the signed-in user.
type Handler struct {
	log *slog.Logger
	agg *notify.Aggregator
}

// NewHandler constructs a feed Handler.
func NewHandler(log *slog.Logger, agg *notify.Aggregator) (*Handler, error) {
	if agg == nil {
		return nil, errors.New("notifyapi: nil aggregator")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, agg: agg}, nil
}

// Register wires feed routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /notifications", h.requireUser(h.handleList))
	mux.HandleFunc("POST /notifications", h.requireUser(h.handleAdd))
	mux.HandleFunc("DELETE /notifications", h.requireUser(h.handleClear))
	mux.HandleFunc("POST /notifications/fetch-all", h.requireUser(h.handleFetchAll))
	mux.HandleFunc("POST /notifications/read-all", h.requireUser(h.handleReadAll))
	mux.HandleFunc("POST /notifications/{id}/read", h.requireUser(h.handleRead))
	mux.HandleFunc("POST /notifications/{id}/dismiss", h.requireUser(h.handleDismiss))
	mux.HandleFunc("GET /notifications/toast", h.requireUser(h.handleToast))
	mux.HandleFunc("POST /notifications/toast/dismiss", h.requireUser(h.handleToastDismiss))
}

type feedResponse struct {
	Items   []notify.Notification `json:"items"`
	Unread  int                   `json:"unread"`
	Total   int                   `json:"total"`
	Loading bool                  `json:"loading"`
	Error   string                `json:"error,omitempty"`
}

type addRequest struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
}

type toastDismissRequest struct {
	ID string `json:"id"`
}

// ---- handlers ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	snap := h.agg.Snapshot()
	items := snap.Items

	q := r.URL.Query()
	switch {
	case q.Get("type") != "":
		items = h.agg.ByType(q.Get("type"))
	case q.Has("source"):
		items = h.agg.BySource(notify.Source(q.Get("source")))
	case q.Get("recent") == "1" || q.Get("recent") == "true":
		items = h.agg.Recent()
	}
	if q.Get("unread") == "1" || q.Get("unread") == "true" {
		items = unreadOnly(items)
	}

	out := feedResponse{
		Items:   items,
		Unread:  snap.Unread,
		Total:   len(snap.Items),
		Loading: snap.Loading,
	}
	if out.Items == nil {
		out.Items = []notify.Notification{}
	}
	if snap.Err != nil {
		out.Error = "Notifications could not be loaded."
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title or message is required")
		return
	}
	n, err := h.agg.Add(notify.Notification{
		Title:   req.Title,
		Message: req.Message,
		Type:    req.Type,
		Data:    req.Data,
	})
	if err != nil {
		h.log.Error("notify.api.add.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) handleClear(w http.ResponseWriter, _ *http.Request) {
	h.agg.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFetchAll(w http.ResponseWriter, r *http.Request) {
	if err := h.agg.FetchAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "fetch_failed", "Notifications could not be loaded.")
		return
	}
	h.handleList(w, r)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	err := h.agg.MarkAsRead(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
	case err != nil:
		// The local change stands; the view keeps showing it as read.
		writeJSON(w, http.StatusAccepted, map[string]any{"unread": h.agg.Unread(), "synced": false})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"unread": h.agg.Unread(), "synced": true})
	}
}

func (h *Handler) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if err := h.agg.MarkAllAsRead(r.Context()); err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"unread": 0, "synced": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": 0, "synced": true})
}

func (h *Handler) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !h.agg.Dismiss(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleToast(w http.ResponseWriter, _ *http.Request) {
	t, ok := h.agg.Toast()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleToastDismiss(w http.ResponseWriter, r *http.Request) {
	var req toastDismissRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
			return
		}
	}
	h.agg.DismissToast(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// requireUser answers 401 while no user's feed is bound.
func (h *Handler) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.agg.Snapshot().UserID == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "sign in to see notifications")
			return
		}
		next(w, r)
	}
}

func unreadOnly(items []notify.Notification) []notify.Notification {
	out := make([]notify.Notification, 0, len(items))
	for _, it := range items {
		if !it.Read {
			out = append(out, it)
		}
	}
	return out
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
