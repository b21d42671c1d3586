package notify

import (
	"context"
	"log/slog"

	"elaw/cmd/internal/auth/session"
)

// Binder keeps the aggregator subscribed to whoever is signed in.
type Binder struct {
	log   *slog.Logger
	agg   *Aggregator
	store *session.Store
}

// NewBinder builds a Binder.
func NewBinder(agg *Aggregator, store *session.Store, log *slog.Logger) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{log: log, agg: agg, store: store}
}

// Run follows session changes until ctx ends, then unsubscribes.
func (b *Binder) Run(ctx context.Context) error {
	ch, cancel := b.store.Watch()
	defer cancel()
	defer b.agg.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			if snap.Authenticated() {
				b.agg.Subscribe(ctx, snap.User.ID)
			} else {
				b.agg.Unsubscribe()
			}
		}
	}
}
