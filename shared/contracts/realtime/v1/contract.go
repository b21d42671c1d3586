// Package v1 defines the eLaw view stream protocol v1 contract.
//
// The stream pushes session, feed, toast, flash and navigation state from
// the local runtime to a view, and carries the few feed actions a view can
// take back. This package is dependency-light and shared between the server
// and clients so the wire protocol stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol a client must offer.
const Subprotocol = "elaw.view.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a stream (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the stream and is followed by the current state (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSession carries the session view (server -> client).
	TypeSession = "session"
	// TypeFeed carries the merged notification feed (server -> client).
	TypeFeed = "feed"
	// TypeToast shows or hides the new-notification toast (server -> client).
	TypeToast = "toast"
	// TypeFlash is a transient user-facing message (server -> client).
	TypeFlash = "flash"
	// TypeNav asks the view to navigate (server -> client).
	TypeNav = "nav"

	// TypeMarkRead marks one notification read (client -> server).
	TypeMarkRead = "mark_read"
	// TypeMarkAllRead marks every notification read (client -> server).
	TypeMarkAllRead = "mark_all_read"
	// TypeDismiss removes one notification from the view (client -> server).
	TypeDismiss = "dismiss"
	// TypeToastDismiss hides the toast (client -> server).
	TypeToastDismiss = "toast_dismiss"
	// TypeFetchAll pulls the REST notification list into the feed (client -> server).
	TypeFetchAll = "fetch_all"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSession,
		TypeFeed,
		TypeToast,
		TypeFlash,
		TypeNav,
		TypeMarkRead,
		TypeMarkAllRead,
		TypeDismiss,
		TypeToastDismiss,
		TypeFetchAll,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Inbound reports whether t may be sent by a client.
func Inbound(t string) bool {
	switch t {
	case TypeHello, TypeMarkRead, TypeMarkAllRead, TypeDismiss, TypeToastDismiss, TypeFetchAll:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to start the stream.
type HelloPayload struct{}

// HelloAckPayload carries the stream session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// User is the signed-in user as the view shows it.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// SessionPayload is the session view. Loading stays true until startup
// reconciliation has settled; views hold guarded routes until then.
type SessionPayload struct {
	Loading       bool   `json:"loading"`
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	User          *User  `json:"user,omitempty"`
	Role          string `json:"role,omitempty"`
}

// Notification is one feed entry. Source is "" for push, "api" for pull
// and "local" for view-only entries.
type Notification struct {
	ID        string         `json:"id"`
	Source    string         `json:"source,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// FeedPayload is the whole merged feed.
type FeedPayload struct {
	Items   []Notification `json:"items"`
	Unread  int            `json:"unread"`
	Loading bool           `json:"loading"`
	Error   string         `json:"error,omitempty"`
}

// ToastPayload shows Notification; an empty ID hides the toast.
type ToastPayload struct {
	ID           string        `json:"id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// FlashPayload is a transient message; Level is success, error or info.
type FlashPayload struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// NavPayload asks the view to move to Path.
type NavPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// TargetPayload names the notification (or toast) an action applies to.
type TargetPayload struct {
	ID string `json:"id"`
}

// ErrorPayload is a generic error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
