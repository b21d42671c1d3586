package notify

import (
	"context"
	"errors"
	"fmt"

	"elaw/cmd/internal/backend"
	"elaw/cmd/internal/notify/feed"
)

// PullAPI is the REST side of the feed. *backend.Client implements it.
type PullAPI interface {
	ListNotifications(ctx context.Context) ([]backend.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Writer propagates read flags to the record's origin after the local
// state has already been updated.
type Writer interface {
	MarkRead(ctx context.Context, n Notification) error
	// MarkAllRead sets read on pushIDs in one batch and, when pullUnread is
	// set, issues the REST mark-all.
	MarkAllRead(ctx context.Context, pushIDs []string, pullUnread bool) error
}

// WriteThrough is the fire-and-forget Writer: failures are reported but
// never undo the local change.
type WriteThrough struct {
	Push feed.Source
	Pull PullAPI
}

func (w WriteThrough) MarkRead(ctx context.Context, n Notification) error {
	switch n.Source {
	case SourcePull:
		if w.Pull == nil {
			return nil
		}
		if err := w.Pull.MarkNotificationRead(ctx, n.ID); err != nil {
			return fmt.Errorf("mark read %s via api: %w", n.ID, err)
		}
	case SourcePush:
		if w.Push == nil {
			return nil
		}
		if err := w.Push.MarkRead(ctx, n.ID); err != nil {
			return fmt.Errorf("mark read %s via push store: %w", n.ID, err)
		}
	}
	return nil
}

func (w WriteThrough) MarkAllRead(ctx context.Context, pushIDs []string, pullUnread bool) error {
	var errs []error
	if len(pushIDs) > 0 && w.Push != nil {
		if err := w.Push.MarkReadBatch(ctx, pushIDs); err != nil {
			errs = append(errs, fmt.Errorf("mark all read via push store: %w", err))
		}
	}
	if pullUnread && w.Pull != nil {
		if err := w.Pull.MarkAllNotificationsRead(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mark all read via api: %w", err))
		}
	}
	return errors.Join(errs...)
}
