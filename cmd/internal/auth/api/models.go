package authapi

import (
	"elaw/cmd/internal/auth/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	From     string `json:"from,omitempty"`
}

type registerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Role                 string `json:"role,omitempty"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type resetPasswordRequest struct {
	Email                string `json:"email"`
	OTP                  string `json:"otp"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type devSignInRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type resultResponse struct {
	Success  bool     `json:"success"`
	Messages []string `json:"messages,omitempty"`
	Redirect string   `json:"redirect,omitempty"`
}

type sessionResponse struct {
	Loading       bool          `json:"loading"`
	State         string        `json:"state"`
	Authenticated bool          `json:"authenticated"`
	User          *session.User `json:"user"`
	Role          string        `json:"role,omitempty"`
}

type pageResponse struct {
	Page string `json:"page"`
	From string `json:"from,omitempty"`
}

func toSessionResponse(snap session.Snapshot, loading bool) sessionResponse {
	return sessionResponse{
		Loading:       loading || snap.State == session.StateUnresolved,
		State:         snap.State.String(),
		Authenticated: snap.Authenticated(),
		User:          snap.User,
		Role:          snap.Role.String(),
	}
}
