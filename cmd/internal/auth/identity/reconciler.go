package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("identity: reconciler already started")

// Reconciler turns the persisted token and the federated auth-state stream
// into one authoritative session.
//
// All decisions happen on a single loop goroutine: the token validation
// result and provider events are applied one at a time, in arrival order.
type Reconciler struct {
	log      *slog.Logger
	store    *session.Store
	backend  Backend
	provider federated.Provider
	observer OutcomeObserver

	started   atomic.Bool
	loading   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithOutcomeObserver registers an outcome observer.
func WithOutcomeObserver(o OutcomeObserver) ReconcilerOption {
	return func(r *Reconciler) { r.observer = o }
}

// NewReconciler wires a reconciler. provider may be nil: loading then ends
// once the persisted token has been validated (or found absent).
func NewReconciler(store *session.Store, be Backend, provider federated.Provider, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		log:      slog.Default(),
		store:    store,
		backend:  be,
		provider: provider,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.loading.Store(true)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Loading is true until the first federated event has been processed.
func (r *Reconciler) Loading() bool { return r.loading.Load() }

// Ready is closed when Loading turns false. It closes exactly once.
func (r *Reconciler) Ready() <-chan struct{} { return r.ready }

// Done is closed when the loop exits (context cancelled).
func (r *Reconciler) Done() <-chan struct{} { return r.done }

// Start launches the reconciliation loop. It does not block.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go r.run(ctx)
	return nil
}

type validation struct {
	gen   uint64
	token string
	user  session.User
	err   error
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	var validated chan validation

	token, err := r.store.Restore(ctx)
	if err != nil {
		r.log.Warn("reconcile.restore.fail", "err", err)
	}
	if token != "" {
		validated = make(chan validation, 1)
		gen := r.store.Generation()
		go func() {
			u, err := r.backend.Me(ctx, token)
			validated <- validation{gen: gen, token: token, user: u, err: err}
		}()
	} else if r.provider == nil {
		r.clear(ctx, "restore", "no_token")
		r.markReady()
	}

	var events <-chan *federated.Identity
	if r.provider != nil {
		ch, cancel := r.provider.Watch(ctx)
		defer cancel()
		events = ch
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconcile.stop")
			return

		case v := <-validated:
			validated = nil
			r.applyValidation(ctx, v)
			if r.provider == nil {
				r.markReady()
			}

		case id, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleFederated(ctx, id)
			r.markReady()
		}
	}
}

// applyValidation adopts or discards the result of GET /auth/me. A result
// that arrives after the store moved on (provider sign-out, new login) is
// dropped rather than allowed to override it.
func (r *Reconciler) applyValidation(ctx context.Context, v validation) {
	if v.err == nil {
		if r.store.AdoptValidated(v.gen, v.token, v.user) {
			r.outcome("validate", "adopted")
			return
		}
		r.log.Info("reconcile.validate.stale", "user_id", v.user.ID)
		r.outcome("validate", "stale")
		return
	}

	r.log.Info("reconcile.validate.fail", "err", v.err)
	cleared, err := r.store.ClearIf(ctx, v.gen)
	if err != nil {
		r.log.Warn("reconcile.validate.clear.fail", "err", err)
	}
	if cleared {
		r.outcome("validate", "cleared")
	} else {
		r.outcome("validate", "stale")
	}
}

func (r *Reconciler) handleFederated(ctx context.Context, id *federated.Identity) {
	if id == nil {
		r.clear(ctx, "federated", "signed_out")
		return
	}

	// Read the token live: a session established after Watch started (login,
	// validation) must suppress the exchange, and a cleared one must allow it.
	if r.store.CurrentToken() != "" {
		r.outcome("federated", "has_token")
		return
	}

	idToken, err := id.IDToken(ctx)
	if err != nil {
		r.log.Warn("identity.id_token.fail", "provider", r.provider.Name(), "err", err)
		r.abandon(ctx, "id_token_failed")
		return
	}

	resp, err := r.backend.ExchangeFederated(ctx, idToken)
	if err == nil && (resp.Token == "" || resp.User == nil) {
		err = errors.New("exchange response missing token or user")
	}
	if err != nil {
		r.log.Error("identity.exchange.fail",
			"provider", r.provider.Name(),
			"subject", federated.SubjectHint(idToken),
			"err", err,
		)
		r.abandon(ctx, "exchange_failed")
		return
	}

	if err := r.store.SetSession(ctx, *resp.User, resp.Token, resp.Raw); err != nil {
		r.log.Error("identity.exchange.persist.fail", "err", err)
		r.abandon(ctx, "persist_failed")
		return
	}
	r.outcome("federated", "exchanged")
}

// abandon signs the provider out so no half-authenticated state lingers.
func (r *Reconciler) abandon(ctx context.Context, result string) {
	if err := r.provider.SignOut(ctx); err != nil {
		r.log.Warn("identity.provider.sign_out.fail", "err", err)
	}
	r.clear(ctx, "federated", result)
}

func (r *Reconciler) clear(ctx context.Context, step, result string) {
	if err := r.store.Clear(ctx); err != nil {
		r.log.Warn("reconcile.clear.fail", "step", step, "err", err)
	}
	r.outcome(step, result)
}

func (r *Reconciler) markReady() {
	r.readyOnce.Do(func() {
		r.loading.Store(false)
		close(r.ready)
		r.log.Info("reconcile.ready", "state", r.store.State().String())
	})
}

func (r *Reconciler) outcome(step, result string) {
	if r.observer != nil {
		r.observer.ReconcileOutcome(step, result)
	}
}

var _ Backend = (*backend.Client)(nil)
