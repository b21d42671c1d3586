package feed

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"elaw/cmd/internal/ids"
)

// Memory is an in-process Source for development and tests.
type Memory struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	records map[string]Record
	subs    map[uint64]*memorySub
	nextSub uint64
}

type memorySub struct {
	userID string
	ch     chan Snapshot
}

// NewMemory builds an empty Memory source. limit <= 0 uses DefaultLimit.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{
		limit:   limit,
		now:     time.Now,
		records: make(map[string]Record),
		subs:    make(map[uint64]*memorySub),
	}
}

func (m *Memory) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &memorySub{userID: userID, ch: ch}
	ch <- Snapshot{Records: m.windowLocked(userID)}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}
}

func (m *Memory) Insert(_ context.Context, rec Record) (Record, error) {
	rec.UserID = strings.TrimSpace(rec.UserID)
	if rec.UserID == "" {
		return Record{}, ErrInvalid
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if rec.ID == "" {
		id, err := ids.NewULID(rec.CreatedAt)
		if err != nil {
			return Record{}, err
		}
		rec.ID = id
	}
	rec.Data = maps.Clone(rec.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return Record{}, ErrInvalid
	}
	m.records[rec.ID] = rec
	m.publishLocked(rec.UserID)
	return rec, nil
}

func (m *Memory) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Read {
		return nil
	}
	rec.Read = true
	m.records[id] = rec
	m.publishLocked(rec.UserID)
	return nil
}

func (m *Memory) MarkReadBatch(_ context.Context, list []string) error {
	list = dedupe(list)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range list {
		if _, ok := m.records[id]; !ok {
			return ErrNotFound
		}
	}

	touched := make(map[string]struct{})
	for _, id := range list {
		rec := m.records[id]
		if rec.Read {
			continue
		}
		rec.Read = true
		m.records[id] = rec
		touched[rec.UserID] = struct{}{}
	}
	for userID := range touched {
		m.publishLocked(userID)
	}
	return nil
}

// Fail delivers err to every subscriber of userID, as a broken listener would.
func (m *Memory) Fail(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.userID == userID {
			offer(s.ch, Snapshot{Err: err})
		}
	}
}

// Get returns a stored record.
func (m *Memory) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *Memory) publishLocked(userID string) {
	var snap Snapshot
	built := false
	for _, s := range m.subs {
		if s.userID != userID {
			continue
		}
		if !built {
			snap = Snapshot{Records: m.windowLocked(userID)}
			built = true
		}
		// Each subscriber gets its own slice.
		offer(s.ch, Snapshot{Records: append([]Record(nil), snap.Records...)})
	}
}

func (m *Memory) windowLocked(userID string) []Record {
	out := make([]Record, 0, m.limit)
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > m.limit {
		out = out[:m.limit]
	}
	return out
}
