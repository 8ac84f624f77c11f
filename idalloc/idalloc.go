// Package idalloc allocates session identifiers per spec §3: a
// monotonically increasing unsigned integer starting at 1, scoped to a
// single service connection, never reused within a channel's lifetime, and
// reset (along with the session table) on reconnect.
//
// Grounded on singchia-geminio/pkg/id.IDCounter, simplified to the single
// mode the specification actually needs (plain increment) — geminio's
// Even/Odd/Unique modes exist to let client and server pick disjoint id
// spaces for a single shared connection, a concern this spec's
// single-owner session table does not have.
package idalloc

import "sync/atomic"

// Counter hands out session ids starting at 1.
type Counter struct {
	next uint64
}

// New returns a counter whose first GetID() call returns 1.
func New() *Counter {
	return &Counter{next: 0}
}

// GetID returns the next session id, strictly greater than every id this
// counter has returned before its last Reset.
func (c *Counter) GetID() uint64 {
	return atomic.AddUint64(&c.next, 1)
}

// Reset rewinds the counter so the next GetID() call returns 1 again. Used
// on reconnect, per spec §3's "On reconnect... counters are reset".
func (c *Counter) Reset() {
	atomic.StoreUint64(&c.next, 0)
}
