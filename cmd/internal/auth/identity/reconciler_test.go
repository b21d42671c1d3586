package identity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

func startReconciler(t *testing.T, store *session.Store, be Backend, p federated.Provider) (*Reconciler, *outcomes) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	obs := newOutcomes()
	r := NewReconciler(store, be, p, WithOutcomeObserver(obs))
	require.True(t, r.Loading())
	require.NoError(t, r.Start(ctx))
	return r, obs
}

func TestReconciler_ProviderSignOutBeatsLateValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, tokens := newStore(t)
	require.NoError(t, tokens.Save(ctx, "persisted", time.Hour))

	gate := make(chan struct{})
	be := &fakeBackend{meGate: gate, meUser: session.User{ID: "1", Role: session.RoleLawyer}}
	p := federated.NewMemory("test", nil)

	r, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/signed_out", obs.next(t))
	waitReady(t, r)
	require.False(t, r.Loading())
	require.Equal(t, session.StateAnonymous, store.State())

	close(gate)
	require.Equal(t, "validate/stale", obs.next(t))
	require.Equal(t, session.StateAnonymous, store.State())
	require.Empty(t, store.Token())

	_, err := tokens.Load(ctx)
	require.ErrorIs(t, err, session.ErrTokenNotFound)
}

func TestReconciler_ExchangesWhenNoToken(t *testing.T) {
	t.Parallel()

	store, tokens := newStore(t)
	be := &fakeBackend{exchangeResp: authResponse("9", "api-token", "client")}
	p := federated.NewMemory("test", nil)
	p.SignIn(staticIdentity("alice"))

	r, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/exchanged", obs.next(t))
	waitReady(t, r)

	snap := store.Snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.Equal(t, "api-token", snap.Token)
	require.Equal(t, session.RoleClient, snap.Role)

	got, err := tokens.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "api-token", got)
	require.Equal(t, 1, be.exchanges())
}

func TestReconciler_ValidTokenSkipsExchange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, tokens := newStore(t)
	require.NoError(t, tokens.Save(ctx, "persisted", time.Hour))

	gate := make(chan struct{})
	be := &fakeBackend{meGate: gate, meUser: session.User{ID: "1", Roles: []session.RoleRef{{Name: "Firm"}}}}
	p := federated.NewMemory("test", nil)
	p.SignIn(staticIdentity("alice"))

	r, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/has_token", obs.next(t))
	waitReady(t, r)
	close(gate)
	require.Equal(t, "validate/adopted", obs.next(t))

	snap := store.Snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.Equal(t, "persisted", snap.Token)
	require.Equal(t, session.RoleFirm, snap.Role)
	require.Zero(t, be.exchanges())
}

func TestReconciler_ExchangeFailureSignsProviderOut(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	be := &fakeBackend{exchangeErr: errRejected}
	p := federated.NewMemory("test", nil)
	p.SignIn(staticIdentity("mallory"))

	r, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/exchange_failed", obs.next(t))
	waitReady(t, r)
	require.Nil(t, p.Current())
	require.Equal(t, session.StateAnonymous, store.State())

	// The provider's own sign-out event follows and is a plain clear.
	require.Equal(t, "federated/signed_out", obs.next(t))
}

func TestReconciler_ExchangeRejectsHalfResponse(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	resp := authResponse("9", "", "client")
	be := &fakeBackend{exchangeResp: resp}
	p := federated.NewMemory("test", nil)
	p.SignIn(staticIdentity("alice"))

	_, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/exchange_failed", obs.next(t))
	require.Equal(t, session.StateAnonymous, store.State())
	require.Nil(t, p.Current())
}

func TestReconciler_IDTokenFailureSignsProviderOut(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	be := &fakeBackend{}
	p := federated.NewMemory("test", nil)
	p.SignIn(failingIdentity("bob"))

	_, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/id_token_failed", obs.next(t))
	require.Zero(t, be.exchanges())
	require.Nil(t, p.Current())
}

func TestReconciler_NoProvider(t *testing.T) {
	t.Parallel()

	t.Run("no persisted token", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)
		r, obs := startReconciler(t, store, &fakeBackend{}, nil)

		require.Equal(t, "restore/no_token", obs.next(t))
		waitReady(t, r)
		require.Equal(t, session.StateAnonymous, store.State())
	})

	t.Run("rejected token", func(t *testing.T) {
		t.Parallel()

		store, tokens := newStore(t)
		require.NoError(t, tokens.Save(context.Background(), "stale", time.Hour))
		r, obs := startReconciler(t, store, &fakeBackend{meErr: errRejected}, nil)

		require.Equal(t, "validate/cleared", obs.next(t))
		waitReady(t, r)
		require.Equal(t, session.StateAnonymous, store.State())
	})

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()

		store, tokens := newStore(t)
		require.NoError(t, tokens.Save(context.Background(), "good", time.Hour))
		be := &fakeBackend{meUser: session.User{ID: "3", Role: session.RoleLawyer}}
		r, obs := startReconciler(t, store, be, nil)

		require.Equal(t, "validate/adopted", obs.next(t))
		waitReady(t, r)
		require.Equal(t, session.RoleLawyer, store.Role())
		require.Equal(t, []string{"good"}, be.meTokens)
	})
}

func TestReconciler_ValidationFailureKeepsNewerSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, tokens := newStore(t)
	require.NoError(t, tokens.Save(ctx, "old", time.Hour))

	gate := make(chan struct{})
	be := &fakeBackend{meGate: gate, meErr: errRejected}
	_, obs := startReconciler(t, store, be, nil)

	// A login lands while the old token is still being validated.
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.meTokens) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, store.SetSession(ctx, session.User{ID: "5"}, "fresh", nil))

	close(gate)
	require.Equal(t, "validate/stale", obs.next(t))
	require.Equal(t, "fresh", store.Token())
}

func TestReconciler_StaleRejectionThroughClientKeepsNewerSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, tokens := newStore(t)
	require.NoError(t, tokens.Save(ctx, "old", time.Hour))

	arrived := make(chan string, 1)
	gate := make(chan struct{})
	var release sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			http.NotFound(w, r)
			return
		}
		arrived <- r.Header.Get("Authorization")
		<-gate
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Unauthenticated."}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { release.Do(func() { close(gate) }) })

	client, err := backend.New(backend.Config{BaseURL: srv.URL}, backend.WithTokenSource(store))
	require.NoError(t, err)

	var navigated []string
	var navMu sync.Mutex
	m := NewManager(store, client, nil, WithNavigator(NavigatorFunc(func(p, _ string) {
		navMu.Lock()
		defer navMu.Unlock()
		navigated = append(navigated, p)
	})))
	client.OnUnauthorized(m.HandleUnauthorized)

	_, obs := startReconciler(t, store, client, nil)

	select {
	case auth := <-arrived:
		require.Equal(t, "Bearer old", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("validation request never reached the backend")
	}
	require.NoError(t, store.SetSession(ctx, session.User{ID: "5", Role: session.RoleClient}, "fresh", nil))

	release.Do(func() { close(gate) })
	require.Equal(t, "validate/stale", obs.next(t))

	require.Equal(t, session.StateAuthenticated, store.State())
	require.Equal(t, "fresh", store.Token())
	persisted, err := tokens.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", persisted)

	navMu.Lock()
	defer navMu.Unlock()
	require.Empty(t, navigated)
}

func TestReconciler_ExchangeUsesLiveToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	be := &fakeBackend{exchangeResp: authResponse("9", "exchanged", "client")}
	p := federated.NewMemory("test", nil)

	r, obs := startReconciler(t, store, be, p)
	require.Equal(t, "federated/signed_out", obs.next(t))
	waitReady(t, r)

	// Password login after the watch started must suppress the exchange.
	require.NoError(t, store.SetSession(ctx, session.User{ID: "1"}, "password-token", nil))
	p.SignIn(staticIdentity("alice"))
	require.Equal(t, "federated/has_token", obs.next(t))
	require.Zero(t, be.exchanges())
	require.Equal(t, "password-token", store.Token())

	// Once the session is gone a new provider identity exchanges again.
	require.NoError(t, store.Clear(ctx))
	p.SignIn(staticIdentity("bob"))
	require.Equal(t, "federated/exchanged", obs.next(t))
	require.Equal(t, 1, be.exchanges())
	require.Equal(t, "exchanged", store.Token())
}

func TestReconciler_StartTwice(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	r, _ := startReconciler(t, store, &fakeBackend{}, nil)
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestReconciler_DoneOnCancel(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(store, &fakeBackend{}, federated.NewMemory("test", nil))
	require.NoError(t, r.Start(ctx))
	waitReady(t, r)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestReconciler_ScenarioA_FreshLoadSettlesAnonymous(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	be := &fakeBackend{exchangeResp: authResponse("9", "api-token", "client")}
	p := federated.NewMemory("test", nil)

	r, obs := startReconciler(t, store, be, p)

	require.Equal(t, "federated/signed_out", obs.next(t))
	waitReady(t, r)
	require.False(t, r.Loading())
	require.Equal(t, session.StateAnonymous, store.State())
	require.Empty(t, be.meTokens)

	// Later events never bring loading back.
	p.SignIn(staticIdentity("alice"))
	require.Equal(t, "federated/exchanged", obs.next(t))
	require.False(t, r.Loading())
	require.NoError(t, p.SignOut(context.Background()))
	require.Equal(t, "federated/signed_out", obs.next(t))
	require.False(t, r.Loading())
	require.Equal(t, session.StateAnonymous, store.State())
}
