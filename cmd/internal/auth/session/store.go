package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateUnresolved is the startup state, before reconciliation has decided.
	StateUnresolved State = iota
	// StateAnonymous means no session.
	StateAnonymous
	// StateAuthenticated means user and token are both present.
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unresolved"
	}
}

// Snapshot is an immutable copy of the session handed to readers.
type Snapshot struct {
	State      State
	User       *User
	Token      string
	Role       Role
	Generation uint64
}

// Authenticated is true iff both user and token are present.
func (s Snapshot) Authenticated() bool {
	return s.User != nil && s.Token != ""
}

// TransitionObserver receives state transitions (metrics).
type TransitionObserver interface {
	SessionTransition(from, to State)
}

// Store is the single source of truth for the current session.
//
// SetSession, AdoptValidated and Clear are the only mutators, which keeps
// user and token both-or-neither. Every mutation bumps Generation so callers
// holding an older generation can tell their view went stale.
type Store struct {
	log      *slog.Logger
	cfg      Config
	tokens   TokenStore
	payloads PayloadStore
	observer TransitionObserver

	mu    sync.RWMutex
	state State
	user  *User
	token string
	// pending is a restored token awaiting validation; it is not part of the session.
	pending string
	gen     uint64

	watchers    map[uint64]chan Snapshot
	nextWatcher uint64
}

// Option configures a Store.
type Option func(*Store)

// WithTokenStore overrides the default in-memory token store.
func WithTokenStore(ts TokenStore) Option {
	return func(s *Store) {
		if ts != nil {
			s.tokens = ts
		}
	}
}

// WithPayloadStore overrides the default in-memory payload store.
func WithPayloadStore(ps PayloadStore) Option {
	return func(s *Store) {
		if ps != nil {
			s.payloads = ps
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o TransitionObserver) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore constructs an Unresolved Store.
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	s := &Store{
		log:      slog.Default(),
		cfg:      cfg,
		tokens:   NewMemoryTokenStore(),
		payloads: NewMemoryPayloadStore(),
		state:    StateUnresolved,
		watchers: make(map[uint64]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Restore reads the persisted token without any network I/O.
// A found token is held as pending until AdoptValidated or Clear.
// It returns "" and no error when nothing is persisted.
func (s *Store) Restore(ctx context.Context) (string, error) {
	tok, err := s.tokens.Load(ctx)
	if errors.Is(err, ErrTokenNotFound) {
		return "", nil
	}
	if err != nil {
		return "", PersistError{Op: "load_token", Err: err}
	}

	s.mu.Lock()
	if s.state == StateUnresolved && s.token == "" {
		s.pending = tok
	}
	s.mu.Unlock()

	return tok, nil
}

// SetSession stores user and token, persists the token with the configured
// TTL and mirrors payload (when non-nil). The durable token is written first:
// if that fails the in-memory session is left untouched.
func (s *Store) SetSession(ctx context.Context, u User, token string, payload []byte) error {
	token = strings.TrimSpace(token)
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" || token == "" {
		return ErrInvalidSession
	}

	if err := s.tokens.Save(ctx, token, s.cfg.TokenTTL); err != nil {
		return PersistError{Op: "save_token", Err: err}
	}
	if payload != nil {
		if err := s.payloads.Save(ctx, payload); err != nil {
			s.log.Warn("session.payload.save.fail", "err", err)
		}
	}

	s.mu.Lock()
	from := s.state
	s.setLocked(u, token)
	snap := s.snapshotLocked()
	s.broadcastLocked(snap)
	s.mu.Unlock()

	s.transition(from, StateAuthenticated)
	s.log.Info("session.set", "user_id", u.ID, "role", snap.Role.String())
	return nil
}

// AdoptValidated promotes a pending token to a session once the backend has
// confirmed it. It is a no-op (false) when the store changed since gen was
// read, or when token is no longer the pending token.
func (s *Store) AdoptValidated(gen uint64, token string, u User) bool {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" || token == "" {
		return false
	}

	s.mu.Lock()
	if s.gen != gen || s.pending != token {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.setLocked(u, token)
	snap := s.snapshotLocked()
	s.broadcastLocked(snap)
	s.mu.Unlock()

	s.transition(from, StateAuthenticated)
	s.log.Info("session.adopt", "user_id", u.ID, "role", snap.Role.String())
	return true
}

// Clear nulls the session and removes both persisted records.
// Clearing an already Anonymous store leaves its state untouched.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	from := s.state
	changed := s.clearLocked()
	s.mu.Unlock()

	if changed {
		s.transition(from, StateAnonymous)
		s.log.Info("session.clear", "from", from.String())
	}
	return s.removePersisted(ctx)
}

// ClearIf clears only when the store is still at generation gen.
func (s *Store) ClearIf(ctx context.Context, gen uint64) (bool, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false, nil
	}
	from := s.state
	changed := s.clearLocked()
	s.mu.Unlock()

	if changed {
		s.transition(from, StateAnonymous)
		s.log.Info("session.clear", "from", from.String(), "generation", gen)
	}
	return true, s.removePersisted(ctx)
}

// ClearIfToken clears only while token is still the session token or the
// pending restored token. A rejection of an older token leaves a newer
// session alone.
func (s *Store) ClearIfToken(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}

	s.mu.Lock()
	if s.token != token && (s.token != "" || s.pending != token) {
		s.mu.Unlock()
		return false, nil
	}
	from := s.state
	gen := s.gen
	changed := s.clearLocked()
	s.mu.Unlock()

	if changed {
		s.transition(from, StateAnonymous)
		s.log.Info("session.clear", "from", from.String(), "generation", gen)
	}
	return true, s.removePersisted(ctx)
}

// Verify checks that the durable token still matches the in-memory session.
// On divergence (removed or replaced externally) the session is cleared and
// false is returned. Anonymous and Unresolved stores report false.
func (s *Store) Verify(ctx context.Context) (bool, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		return false, nil
	}

	tok, err := s.tokens.Load(ctx)
	switch {
	case errors.Is(err, ErrTokenNotFound):
	case err != nil:
		return true, PersistError{Op: "load_token", Err: err}
	case tok == snap.Token:
		return true, nil
	}

	s.log.Info("session.verify.diverged", "user_id", snap.User.ID)
	if _, err := s.ClearIf(ctx, snap.Generation); err != nil {
		return false, err
	}
	return false, nil
}

// Payload returns the mirrored last login payload.
func (s *Store) Payload(ctx context.Context) ([]byte, error) {
	return s.payloads.Load(ctx)
}

// Rehydrate decodes the mirrored login payload into a user and role without
// touching the live session.
func (s *Store) Rehydrate(ctx context.Context) (User, Role, error) {
	raw, err := s.payloads.Load(ctx)
	if err != nil {
		return User{}, RoleNone, err
	}

	var p struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return User{}, RoleNone, ErrPayloadCorrupt
	}
	if p.User == nil {
		return User{}, RoleNone, ErrPayloadCorrupt
	}
	return *p.User, p.User.DerivedRole(), nil
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// State returns the lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Role returns the derived role, RoleNone when anonymous.
func (s *Store) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return RoleNone
	}
	return s.user.DerivedRole()
}

// Token returns the session bearer token ("" when anonymous).
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// CurrentToken returns the session token, or the pending restored token
// while it is being validated. It is read live on every call.
func (s *Store) CurrentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != "" {
		return s.token
	}
	return s.pending
}

// Generation returns the mutation counter.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Watch registers an observer. The channel holds at most one snapshot (the
// latest) and is primed with the current one. cancel closes the channel.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// ---- internals (mu held) ----

func (s *Store) setLocked(u User, token string) {
	cp := u
	cp.Roles = append([]RoleRef(nil), u.Roles...)
	s.user = &cp
	s.token = token
	s.pending = ""
	s.state = StateAuthenticated
	s.gen++
}

func (s *Store) clearLocked() bool {
	if s.state == StateAnonymous && s.pending == "" {
		return false
	}
	s.user = nil
	s.token = ""
	s.pending = ""
	s.state = StateAnonymous
	s.gen++
	s.broadcastLocked(s.snapshotLocked())
	return true
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state, Token: s.token, Generation: s.gen}
	if s.user != nil {
		cp := *s.user
		cp.Roles = append([]RoleRef(nil), s.user.Roles...)
		snap.User = &cp
		snap.Role = cp.DerivedRole()
	}
	return snap
}

func (s *Store) broadcastLocked(snap Snapshot) {
	for _, ch := range s.watchers {
		// Latest wins: drop an unread snapshot before sending.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) transition(from, to State) {
	if s.observer != nil && from != to {
		s.observer.SessionTransition(from, to)
	}
}

func (s *Store) removePersisted(ctx context.Context) error {
	var errs []error
	if err := s.tokens.Remove(ctx); err != nil {
		errs = append(errs, PersistError{Op: "remove_token", Err: err})
	}
	if err := s.payloads.Remove(ctx); err != nil {
		errs = append(errs, PersistError{Op: "remove_payload", Err: err})
	}
	return errors.Join(errs...)
}
