package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/notify"
	v1 "elaw/shared/contracts/realtime/v1"
)

// Hub fans runtime state out to every connected view.
//
// It remembers the latest session, feed and toast envelopes and replays
// them to a client when it joins, so a view never renders from nothing.
// Broadcast never blocks: a client whose queue is full misses the envelope
// and catches up on the next state change.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*Client

	session *v1.Envelope
	feed    *v1.Envelope
	toast   *v1.Envelope

	lastSession []byte
	lastToastID string
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		clients: make(map[string]*Client),
	}
}

// Join registers c and queues the current state for it.
func (h *Hub) Join(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[c.SessionID] = c
	for _, env := range []*v1.Envelope{h.session, h.feed, h.toast} {
		if env != nil {
			c.offer(*env)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("stream.client.join", "session_id", c.SessionID, "clients", n)
}

// Leave unregisters sessionID and signals that client to stop.
func (h *Hub) Leave(sessionID string) {
	h.mu.Lock()
	c := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	// Close after removal so no broadcaster still holds the client.
	if c != nil {
		c.Close()
		h.log.Info("stream.client.leave", "session_id", sessionID)
	}
}

// Clients returns the number of joined clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues env for every joined client.
func (h *Hub) Broadcast(env v1.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(env)
}

// Flash implements identity.Notifier.
func (h *Hub) Flash(f identity.Flash) {
	env, ok := h.envelope(v1.TypeFlash, v1.FlashPayload{Level: string(f.Level), Text: f.Text, At: f.At})
	if ok {
		h.Broadcast(env)
	}
}

// Navigate implements identity.Navigator.
func (h *Hub) Navigate(path, reason string) {
	env, ok := h.envelope(v1.TypeNav, v1.NavPayload{Path: path, Reason: reason})
	if ok {
		h.Broadcast(env)
	}
}

// PublishSession broadcasts the session view when it differs from the last one.
func (h *Hub) PublishSession(snap session.Snapshot, loading bool) {
	p := sessionPayload(snap, loading)
	raw, err := json.Marshal(p)
	if err != nil {
		h.log.Error("stream.encode.fail", "type", v1.TypeSession, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if bytes.Equal(raw, h.lastSession) {
		return
	}
	h.lastSession = raw
	env := h.rawEnvelope(v1.TypeSession, raw)
	h.session = &env
	h.broadcastLocked(env)
}

// PublishFeed broadcasts the feed, and the toast when it changed.
func (h *Hub) PublishFeed(snap notify.Snapshot) {
	feedEnv, ok := h.envelope(v1.TypeFeed, feedPayload(snap))
	if !ok {
		return
	}

	toastID := ""
	if snap.Toast != nil {
		toastID = snap.Toast.ID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.feed = &feedEnv
	h.broadcastLocked(feedEnv)

	if toastID == h.lastToastID {
		return
	}
	h.lastToastID = toastID
	toastEnv, ok := h.envelope(v1.TypeToast, toastPayload(snap.Toast))
	if !ok {
		return
	}
	if toastID == "" {
		h.toast = nil
	} else {
		h.toast = &toastEnv
	}
	h.broadcastLocked(toastEnv)
}

// FollowSession publishes every session change until ctx is done. ready is
// closed once startup reconciliation has settled; until then the session is
// reported as loading.
func (h *Hub) FollowSession(ctx context.Context, store *session.Store, ready <-chan struct{}) {
	ch, stop := store.Watch()
	defer stop()

	loading := ready != nil
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ready = nil
			loading = false
			h.PublishSession(store.Snapshot(), false)
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.PublishSession(snap, loading)
		}
	}
}

// FollowFeed publishes every feed change until ctx is done.
func (h *Hub) FollowFeed(ctx context.Context, agg *notify.Aggregator) {
	ch, stop := agg.Watch()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.PublishFeed(snap)
		}
	}
}

func (h *Hub) broadcastLocked(env v1.Envelope) {
	for id, c := range h.clients {
		if !c.offer(env) {
			h.log.Debug("stream.drop", "session_id", id, "type", env.Type, "dropped", c.Dropped())
		}
	}
}

func (h *Hub) envelope(typ string, payload any) (v1.Envelope, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("stream.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return h.rawEnvelope(typ, raw), true
}

func (h *Hub) rawEnvelope(typ string, raw json.RawMessage) v1.Envelope {
	now := h.now()
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(now), TS: now, Payload: raw}
}

var (
	_ identity.Notifier  = (*Hub)(nil)
	_ identity.Navigator = (*Hub)(nil)
)
