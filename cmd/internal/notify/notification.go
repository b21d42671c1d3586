// Package notify merges the live push feed and the on-demand REST feed into
// one deduplicated notification list with an unread counter.
//
// The push feed always wins: a push snapshot replaces every push-origin
// record, and a pull fetch only appends ids the feed does not hold yet.
// Relative order is preserved; the merged list is never re-sorted.
package notify

import (
	"maps"
	"time"

	"elaw/cmd/internal/backend"
	"elaw/cmd/internal/notify/feed"
)

// Source tags where a record came from.
type Source string

const (
	// SourcePush is the untagged live feed.
	SourcePush Source = ""
	// SourcePull marks records returned by GET /notifications.
	SourcePull Source = "api"
	// SourceLocal marks records created in-process with Add.
	SourceLocal Source = "local"
)

// Notification is one feed entry.
type Notification struct {
	ID        string         `json:"id"`
	Source    Source         `json:"source,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
	Data      map[string]any `json:"data,omitempty"`
}

func fromRecord(r feed.Record) Notification {
	return Notification{
		ID:        r.ID,
		Source:    SourcePush,
		UserID:    r.UserID,
		Title:     r.Title,
		Message:   r.Message,
		Type:      r.Type,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
		Data:      maps.Clone(r.Data),
	}
}

func fromBackend(n backend.Notification) Notification {
	return Notification{
		ID:        n.ID,
		Source:    SourcePull,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
		Data:      maps.Clone(n.Data),
	}
}

func countUnread(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

func cloneItems(items []Notification) []Notification {
	out := make([]Notification, len(items))
	for i, it := range items {
		it.Data = maps.Clone(it.Data)
		out[i] = it
	}
	return out
}
