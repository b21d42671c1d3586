package realtime

import "time"

const (
	// Max bytes per inbound websocket frame. Views only send small actions.
	maxFrameBytes = 16 << 10

	// Max notification id length accepted in an action.
	maxTargetIDLen = 128
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
)
