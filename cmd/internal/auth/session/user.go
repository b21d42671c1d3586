package session

import (
	"encoding/json"
	"strings"
)

// Role is the coarse authorization role of a user.
// Unknown backend roles are preserved lower-cased.
type Role string

const (
	RoleNone   Role = ""
	RoleLawyer Role = "lawyer"
	RoleClient Role = "client"
	RoleFirm   Role = "firm"
)

// NormalizeRole trims and lower-cases a backend role name.
func NormalizeRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether r is one of the built-in roles.
func (r Role) Known() bool {
	switch r {
	case RoleLawyer, RoleClient, RoleFirm:
		return true
	default:
		return false
	}
}

func (r Role) String() string { return string(r) }

// RoleRef is one entry of the backend "roles" array.
type RoleRef struct {
	Name string `json:"name"`
}

// User is the identity as known to the backend.
type User struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Email  string    `json:"email,omitempty"`
	Role   Role      `json:"role,omitempty"`
	Roles  []RoleRef `json:"roles,omitempty"`
	Avatar string    `json:"avatar,omitempty"`
}

// DerivedRole returns the user's role: the explicit role field first,
// then the first entry of the roles array.
func (u User) DerivedRole() Role {
	if r := NormalizeRole(string(u.Role)); r != RoleNone {
		return r
	}
	for _, ref := range u.Roles {
		if r := NormalizeRole(ref.Name); r != RoleNone {
			return r
		}
	}
	return RoleNone
}

// DisplayName prefers the name and falls back to the email.
func (u User) DisplayName() string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return strings.TrimSpace(u.Email)
}

// UnmarshalJSON accepts numeric backend IDs as well as strings.
func (u *User) UnmarshalJSON(b []byte) error {
	type alias User
	var raw struct {
		alias
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = User(raw.alias)
	u.ID = rawID(raw.ID)
	return nil
}

func rawID(b json.RawMessage) string {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		return strings.TrimSpace(str)
	}
	return s
}
