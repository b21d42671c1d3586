package realtime

import (
	"time"

	"elaw/cmd/internal/ids"
)

// NewSessionID returns a ULID identifying one stream connection.
func NewSessionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id, so ids sort by send time.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
