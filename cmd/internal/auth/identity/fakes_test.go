package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

var errRejected = &backend.APIError{Status: 401, Message: "Unauthenticated."}

// fakeBackend answers identity calls from canned data. meGate, when set,
// holds every Me call until it is closed.
type fakeBackend struct {
	mu sync.Mutex

	meGate   chan struct{}
	meUser   session.User
	meErr    error
	meTokens []string

	exchangeResp  backend.AuthResponse
	exchangeErr   error
	exchangeCalls int

	loginResp backend.AuthResponse
	loginErr  error

	registerResp backend.AuthResponse
	registerErr  error

	logoutErr   error
	logoutCalls int
}

func (f *fakeBackend) Me(ctx context.Context, token string) (session.User, error) {
	f.mu.Lock()
	gate := f.meGate
	f.meTokens = append(f.meTokens, token)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return session.User{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meUser, f.meErr
}

func (f *fakeBackend) ExchangeFederated(_ context.Context, _ string) (backend.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	return f.exchangeResp, f.exchangeErr
}

func (f *fakeBackend) Login(_ context.Context, _ backend.Credentials) (backend.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Register(_ context.Context, _ backend.Registration) (backend.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerResp, f.registerErr
}

func (f *fakeBackend) ForgotPassword(context.Context, backend.PasswordRecovery) (backend.MessageResponse, error) {
	return backend.MessageResponse{}, nil
}

func (f *fakeBackend) VerifyOTP(context.Context, backend.OTPVerification) (backend.MessageResponse, error) {
	return backend.MessageResponse{}, nil
}

func (f *fakeBackend) ResetPassword(context.Context, backend.PasswordReset) (backend.MessageResponse, error) {
	return backend.MessageResponse{}, nil
}

func (f *fakeBackend) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeBackend) exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls
}

func authResponse(id, token, role string) backend.AuthResponse {
	u := session.User{ID: id, Name: "User " + id, Role: session.NormalizeRole(role)}
	raw, _ := json.Marshal(map[string]any{"token": token, "user": u})
	return backend.AuthResponse{Token: token, User: &u, Raw: raw}
}

// outcomes records reconcile outcomes in order.
type outcomes struct {
	ch chan string
}

func newOutcomes() *outcomes { return &outcomes{ch: make(chan string, 64)} }

func (o *outcomes) ReconcileOutcome(step, result string) { o.ch <- step + "/" + result }

func (o *outcomes) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-o.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile outcome")
		return ""
	}
}

type flashes struct {
	mu  sync.Mutex
	got []Flash
}

func (f *flashes) Flash(fl Flash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, fl)
}

func (f *flashes) all() []Flash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Flash(nil), f.got...)
}

func newStore(t *testing.T) (*session.Store, *session.MemoryTokenStore) {
	t.Helper()
	tokens := session.NewMemoryTokenStore()
	return session.NewStore(session.DefaultConfig(), session.WithTokenStore(tokens)), tokens
}

func staticIdentity(subject string) *federated.Identity {
	return federated.NewIdentity(subject, subject+"@example.com", subject, func(context.Context) (string, error) {
		return "id-token-" + subject, nil
	})
}

func failingIdentity(subject string) *federated.Identity {
	return federated.NewIdentity(subject, "", "", func(context.Context) (string, error) {
		return "", errors.New("token refresh failed")
	})
}

func waitReady(t *testing.T, r *Reconciler) {
	t.Helper()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler never became ready")
	}
}
