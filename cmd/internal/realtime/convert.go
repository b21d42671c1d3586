package realtime

import (
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/notify"
	v1 "elaw/shared/contracts/realtime/v1"
)

const feedErrorText = "Notifications could not be loaded."

func sessionPayload(snap session.Snapshot, loading bool) v1.SessionPayload {
	p := v1.SessionPayload{
		Loading:       loading || snap.State == session.StateUnresolved,
		State:         snap.State.String(),
		Authenticated: snap.Authenticated(),
		Role:          snap.Role.String(),
	}
	if snap.User != nil {
		p.User = &v1.User{
			ID:     snap.User.ID,
			Name:   snap.User.DisplayName(),
			Email:  snap.User.Email,
			Avatar: snap.User.Avatar,
		}
	}
	return p
}

func feedPayload(snap notify.Snapshot) v1.FeedPayload {
	p := v1.FeedPayload{
		Items:   make([]v1.Notification, 0, len(snap.Items)),
		Unread:  snap.Unread,
		Loading: snap.Loading,
	}
	for _, it := range snap.Items {
		p.Items = append(p.Items, wireNotification(it))
	}
	if snap.Err != nil {
		p.Error = feedErrorText
	}
	return p
}

func toastPayload(t *notify.Toast) v1.ToastPayload {
	if t == nil {
		return v1.ToastPayload{}
	}
	n := wireNotification(t.Notification)
	return v1.ToastPayload{ID: t.ID, Notification: &n}
}

func wireNotification(n notify.Notification) v1.Notification {
	return v1.Notification{
		ID:        n.ID,
		Source:    string(n.Source),
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
		Data:      n.Data,
	}
}
