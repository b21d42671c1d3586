// Package feed provides the push side of the notification feed: a live,
// capped, newest-first window of one user's notifications, delivered as full
// snapshots whenever anything in that window changes.
package feed

import (
	"context"
	"errors"
	"time"
)

// DefaultLimit is the size of the live window.
const DefaultLimit = 50

var (
	ErrNotFound = errors.New("feed: notification not found")
	ErrConfig   = errors.New("feed: invalid config")
	ErrInvalid  = errors.New("feed: invalid input")
)

// Record is one push-origin notification.
type Record struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	Read      bool
	CreatedAt time.Time
	Data      map[string]any
}

// Snapshot is one delivery: either the full window (newest first) or the
// error that interrupted the subscription.
type Snapshot struct {
	Records []Record
	Err     error
}

// Source is a push-based notification store.
//
// Subscribe delivers the current window immediately and a new one after every
// change. The channel keeps only the latest undelivered snapshot and is
// closed after cancel is called or ctx ends. A source failure is delivered
// as a snapshot with Err set, after which the channel is closed; sources do
// not reconnect on their own.
type Source interface {
	Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func())
	// MarkRead sets read on one record.
	MarkRead(ctx context.Context, id string) error
	// MarkReadBatch sets read on every id atomically: all or none.
	MarkReadBatch(ctx context.Context, ids []string) error
	// Insert stores a new record; a zero ID or CreatedAt is filled in.
	Insert(ctx context.Context, rec Record) (Record, error)
}

// offer replaces any undelivered snapshot with snap.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
