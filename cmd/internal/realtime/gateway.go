package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"elaw/cmd/internal/notify"
	v1 "elaw/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// FeedActions is what a view may do to the notification feed.
type FeedActions interface {
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
	Dismiss(id string) bool
	DismissToast(id string)
	FetchAll(ctx context.Context) error
}

// Gateway is the WebSocket entrypoint of the view stream.
//
// It enforces origin policy, subprotocol selection and heartbeats, joins
// started clients to the Hub and routes feed actions.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	feed FeedActions
	cfg  GatewayConfig

	// Derived for websocket.Accept, which authorizes same-host origins by
	// default but needs host patterns for cross-origin ones.
	originPatterns []string
}

// NewGateway constructs a gateway. feed may be nil, in which case feed
// actions are answered with an error envelope.
func NewGateway(log *slog.Logger, hub *Hub, feed FeedActions, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.normalized()
	return &Gateway{
		log:            log,
		hub:            hub,
		feed:           feed,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a view stream and runs it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID(time.Now())
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		started   bool
	)

	// shutdown is idempotent. The client leaves the hub before it is
	// closed so broadcasters never see a half-closed client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}
		if !v1.Inbound(env.Type) {
			g.trySendError(client, "unsupported", fmt.Sprintf("not a client type: %s", env.Type))
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if started {
				g.trySendError(client, "already_started", "hello already received")
				continue readLoop
			}
			if err := g.onHello(client); err != nil {
				g.trySendError(client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			started = true
			continue readLoop
		}

		if !started {
			g.trySendError(client, "not_started", "send hello first")
			continue readLoop
		}
		if err := g.onAction(ctx, env); err != nil {
			g.trySendError(client, actionErrorCode(err), err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(client *Client) error {
	now := time.Now().UTC()
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := v1.Envelope{V: v1.Version, Type: v1.TypeHelloAck, ID: NewEnvelopeID(now), TS: now, Payload: ackPayload}

	if !client.offer(ack) {
		return errors.New("backpressure: hello_ack")
	}
	// Join after the ack so the replayed state follows it on the wire.
	g.hub.Join(client)
	return nil
}

var (
	errNoFeed        = errors.New("notifications are not available")
	errMissingTarget = errors.New("missing id")
	errTargetTooLong = errors.New("id too long")
	errUnknownTarget = errors.New("notification not found")
)

func (g *Gateway) onAction(ctx context.Context, env v1.Envelope) error {
	if g.feed == nil {
		return errNoFeed
	}

	switch env.Type {
	case v1.TypeMarkAllRead:
		return quiet(g.feed.MarkAllAsRead(ctx))
	case v1.TypeFetchAll:
		return quiet(g.feed.FetchAll(ctx))
	case v1.TypeToastDismiss:
		var p v1.TargetPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		g.feed.DismissToast(strings.TrimSpace(p.ID))
		return nil
	}

	id, err := targetID(env.Payload)
	if err != nil {
		return err
	}
	switch env.Type {
	case v1.TypeMarkRead:
		err := g.feed.MarkAsRead(ctx, id)
		if errors.Is(err, notify.ErrNotFound) {
			return errUnknownTarget
		}
		return quiet(err)
	case v1.TypeDismiss:
		if !g.feed.Dismiss(id) {
			return errUnknownTarget
		}
		return nil
	default:
		return fmt.Errorf("unsupported type: %s", env.Type)
	}
}

// quiet drops write-through failures: the feed already shows the local
// change and reports the failure through its own state.
func quiet(err error) error {
	if errors.Is(err, notify.ErrNotFound) {
		return errUnknownTarget
	}
	return nil
}

func targetID(raw json.RawMessage) (string, error) {
	var p v1.TargetPayload
	if len(raw) == 0 {
		return "", errMissingTarget
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	id := strings.TrimSpace(p.ID)
	switch {
	case id == "":
		return "", errMissingTarget
	case len(id) > maxTargetIDLen:
		return "", errTargetTooLong
	}
	return id, nil
}

func actionErrorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownTarget):
		return "not_found"
	case errors.Is(err, errNoFeed):
		return "unavailable"
	default:
		return "bad_request"
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(client *Client, code, msg string) {
	now := time.Now().UTC()
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.offer(v1.Envelope{V: v1.Version, Type: v1.TypeError, ID: NewEnvelopeID(now), TS: now, Payload: p})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(strings.Trim(host, "[]"))
	}
	return strings.ToLower(strings.Trim(s, "[]"))
}

// deriveOriginPatterns turns the allowlist into the host patterns
// websocket.Accept matches against.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

var _ FeedActions = (*notify.Aggregator)(nil)
