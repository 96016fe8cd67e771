package tracker

import "github.com/dukahub/dukasync/pkg/types"

// pendingChange holds the inputs of a capture that could not reach the
// store. Replaying later re-runs the full capture, so queued entries get
// fresh clock values instead of stale ones.
type pendingChange struct {
	op       types.Operation
	table    string
	recordID string
	data     map[string]any
	before   map[string]any
	priority int
}

// ring is a fixed-capacity FIFO over pendingChange. When full it evicts the
// oldest entry to make room, returning it so the caller can log the loss.
type ring struct {
	buf   []pendingChange
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]pendingChange, capacity)}
}

func (r *ring) len() int { return r.count }

// push appends ch. On overflow the oldest entry is dropped and returned.
func (r *ring) push(ch pendingChange) (dropped pendingChange, overflowed bool) {
	if r.count == len(r.buf) {
		dropped = r.buf[r.head]
		overflowed = true
		r.buf[r.head] = ch
		r.head = (r.head + 1) % len(r.buf)
		return dropped, overflowed
	}
	r.buf[(r.head+r.count)%len(r.buf)] = ch
	r.count++
	return pendingChange{}, false
}

// drain removes and returns all entries in arrival order.
func (r *ring) drain() []pendingChange {
	out := make([]pendingChange, 0, r.count)
	for r.count > 0 {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = pendingChange{}
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	r.head = 0
	return out
}
