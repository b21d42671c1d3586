package realtime

import (
	"sync"
	"sync/atomic"

	v1 "elaw/shared/contracts/realtime/v1"
)

const defaultSendQueue = 64

// Client is one view attached to the stream. The hub and the connection's
// read loop queue envelopes on Send; the writer goroutine drains it.
//
// Send stays open for the client's whole life. stop tells the connection
// goroutines to exit.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewClient constructs a Client whose queue holds queue envelopes.
func NewClient(sessionID string, queue int) *Client {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, queue),
		stop:      make(chan struct{}),
	}
}

// Done is closed once the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.stop }

// Close stops the client. Later calls do nothing.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Dropped counts envelopes lost to a full queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// offer queues env if there is room. A closing client takes nothing.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}
