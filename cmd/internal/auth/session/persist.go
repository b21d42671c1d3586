package session

import (
	"context"
	"sync"
	"time"
)

// TokenStore is the durable, expiring home of the bearer token (cookie-equivalent).
type TokenStore interface {
	Save(ctx context.Context, token string, ttl time.Duration) error
	// Load returns ErrTokenNotFound when nothing is persisted or the record expired.
	Load(ctx context.Context) (string, error)
	Remove(ctx context.Context) error
}

// PayloadStore mirrors the full last login response (local-storage equivalent).
type PayloadStore interface {
	Save(ctx context.Context, payload []byte) error
	// Load returns ErrPayloadNotFound when nothing is persisted.
	Load(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context) error
}

// MemoryTokenStore is an in-process TokenStore used when no Redis URL is configured.
type MemoryTokenStore struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryTokenStore constructs an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{now: time.Now}
}

func (s *MemoryTokenStore) Save(_ context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.expires = time.Time{}
	if ttl > 0 {
		s.expires = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryTokenStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return "", ErrTokenNotFound
	}
	if !s.expires.IsZero() && !s.now().Before(s.expires) {
		s.token = ""
		s.expires = time.Time{}
		return "", ErrTokenNotFound
	}
	return s.token, nil
}

func (s *MemoryTokenStore) Remove(_ context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
	return nil
}

// MemoryPayloadStore is an in-process PayloadStore.
type MemoryPayloadStore struct {
	mu      sync.Mutex
	payload []byte
}

// NewMemoryPayloadStore constructs an empty MemoryPayloadStore.
func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{}
}

func (s *MemoryPayloadStore) Save(_ context.Context, payload []byte) error {
	s.mu.Lock()
	s.payload = append([]byte(nil), payload...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPayloadStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.payload) == 0 {
		return nil, ErrPayloadNotFound
	}
	return append([]byte(nil), s.payload...), nil
}

func (s *MemoryPayloadStore) Remove(_ context.Context) error {
	s.mu.Lock()
	s.payload = nil
	s.mu.Unlock()
	return nil
}
