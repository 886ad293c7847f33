package broadcast

import "github.com/NickB03/vana/core"

// ring is a fixed-capacity circular buffer of persisted events. It lets late
// subscribers catch up on the recent tail without touching the store. Not
// goroutine safe; the owning hub's mutex guards all access.
type ring struct {
	buf      []core.Event
	capacity int
	pos      int // next write position
	full     bool

	// base is the event ID the ring starts after: the session tail at hub
	// creation time. Cursors at or past base (and not evicted) can be served
	// entirely from the ring.
	base int64
}

func newRing(capacity int, base int64) *ring {
	return &ring{buf: make([]core.Event, capacity), capacity: capacity, base: base}
}

// write appends an event, evicting the oldest when full.
func (r *ring) write(ev core.Event) {
	r.buf[r.pos] = ev
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// snapshot returns buffered events in chronological order.
func (r *ring) snapshot() []core.Event {
	if !r.full {
		out := make([]core.Event, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]core.Event, r.capacity)
	copy(out, r.buf[r.pos:])
	copy(out[r.capacity-r.pos:], r.buf[:r.pos])
	return out
}

// oldest returns the smallest event ID the ring still holds, or base+1 when
// the ring is empty (meaning it covers everything after base).
func (r *ring) oldest() int64 {
	if !r.full && r.pos == 0 {
		return r.base + 1
	}
	if r.full {
		return r.buf[r.pos].ID
	}
	return r.buf[0].ID
}

// covers reports whether every event with ID > cursor is still buffered.
func (r *ring) covers(cursor int64) bool {
	return cursor+1 >= r.oldest()
}

// since returns buffered events with ID > cursor in order. Callers must
// check covers first; since silently returns only what the ring holds.
func (r *ring) since(cursor int64) []core.Event {
	all := r.snapshot()
	for i, ev := range all {
		if ev.ID > cursor {
			out := make([]core.Event, len(all)-i)
			copy(out, all[i:])
			return out
		}
	}
	return nil
}
