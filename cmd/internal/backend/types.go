package backend

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"elaw/cmd/internal/auth/session"
)

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the register request body.
type Registration struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Role                 string `json:"role,omitempty"`
}

// AuthResponse is returned by login, register and the federated exchange.
type AuthResponse struct {
	Token   string        `json:"token"`
	User    *session.User `json:"user"`
	Message string        `json:"message,omitempty"`

	// Raw is the undecoded body, mirrored as the login payload.
	Raw json.RawMessage `json:"-"`
}

// PasswordRecovery starts password recovery for an account.
type PasswordRecovery struct {
	Email string `json:"email"`
}

// OTPVerification checks the one-time code mailed by password recovery.
type OTPVerification struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// PasswordReset sets a new password once the one-time code is known.
type PasswordReset struct {
	Email                string `json:"email"`
	OTP                  string `json:"otp"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// MessageResponse is the body of calls that only report an outcome.
type MessageResponse struct {
	Message string `json:"message,omitempty"`
}

type meResponse struct {
	User *session.User `json:"user"`
}

type exchangeRequest struct {
	IDToken string `json:"idToken"`
}

// Notification is a pull-origin notification as the backend serves it.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	Read      bool
	CreatedAt time.Time
	Data      map[string]any
}

// backendTimeLayouts covers RFC 3339 and the SQL-style timestamps the API emits.
var backendTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON tolerates numeric ids, 0/1 read flags and a read_at column.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		UserID    json.RawMessage `json:"user_id"`
		Title     string          `json:"title"`
		Message   string          `json:"message"`
		Type      string          `json:"type"`
		Read      json.RawMessage `json:"read"`
		ReadAt    json.RawMessage `json:"read_at"`
		CreatedAt string          `json:"created_at"`
		Data      map[string]any  `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*n = Notification{
		ID:      rawString(raw.ID),
		UserID:  rawString(raw.UserID),
		Title:   raw.Title,
		Message: raw.Message,
		Type:    raw.Type,
		Data:    raw.Data,
	}
	n.Read = rawBool(raw.Read) || (len(raw.ReadAt) > 0 && string(raw.ReadAt) != "null")
	n.CreatedAt = parseBackendTime(raw.CreatedAt)
	return nil
}

func rawBool(raw json.RawMessage) bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s != "0"
}

func parseBackendTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range backendTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// decodeNotifications accepts a bare array or a {"data": [...]} envelope.
func decodeNotifications(body []byte) ([]Notification, error) {
	var list []Notification
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var env struct {
		Data []Notification `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}
