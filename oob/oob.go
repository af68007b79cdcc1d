// Package oob implements the §4.6 out-of-band auxiliary channel: best
// effort, unsequenced, unretransmitted, delivered in order per peer. When
// the application registers a callback, blocks are delivered
// synchronously from the receive path; otherwise they land in a bounded
// FIFO (default 1024) that drops the oldest entry on overflow. Grounded
// on the bounded-ring-with-drop-oldest shape used throughout the pack's
// jitter/ring-buffer implementations (rustyguts-bken's jitter buffer,
// pion-webrtc's ReceiveLog).
package oob

import (
	"sync"

	"github.com/nanake-go/rist/wire"
)

// Block is one delivered OOB payload plus the peer it arrived from.
type Block struct {
	PeerID  string
	Payload wire.OOBBlock
}

// Callback is the application's oob callback (spec §6).
type Callback func(Block)

// Channel is the per-peer (or per-context, if the application prefers a
// single sink) OOB delivery path.
type Channel struct {
	mu sync.Mutex

	capacity int
	buf      []Block
	cb       Callback
}

// New creates an OOB channel with the given bounded FIFO capacity, used
// only when no callback is registered.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Channel{capacity: capacity}
}

// SetCallback installs (or clears, with nil) the synchronous delivery
// callback. Switching from buffered to callback mode does not replay
// buffered blocks automatically; callers that care should drain first via
// Pull.
func (c *Channel) SetCallback(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Deliver is called from the receive path for every decoded OOB packet,
// in arrival order per peer (spec §4.6 "Delivery order is preserved per
// peer").
func (c *Channel) Deliver(b Block) {
	c.mu.Lock()
	cb := c.cb
	if cb == nil {
		if len(c.buf) >= c.capacity {
			// Drop the oldest on overflow (spec §4.6).
			c.buf = append(c.buf[1:], b)
		} else {
			c.buf = append(c.buf, b)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cb(b)
}

// Pull drains up to max buffered blocks in FIFO order (bounded pull mode,
// spec §9's "one push callback and a bounded pull queue").
func (c *Channel) Pull(max int) []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= 0 || max > len(c.buf) {
		max = len(c.buf)
	}
	out := append([]Block(nil), c.buf[:max]...)
	c.buf = c.buf[max:]
	return out
}

// Len reports the number of buffered (undelivered) blocks.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
