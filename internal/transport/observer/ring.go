package observer

import (
	"strings"

	"voxelstack.ai/internal/protocol"
)

// filter selects events by kind and event name. Empty sets match everything.
type filter struct {
	kinds  map[string]bool
	events map[string]bool
}

func newFilter(sub protocol.SubscribeMsg) filter {
	f := filter{}
	if len(sub.Kinds) > 0 {
		f.kinds = map[string]bool{}
		for _, k := range sub.Kinds {
			f.kinds[strings.ToUpper(strings.TrimSpace(k))] = true
		}
	}
	if len(sub.Events) > 0 {
		f.events = map[string]bool{}
		for _, e := range sub.Events {
			f.events[strings.ToUpper(strings.TrimSpace(e))] = true
		}
	}
	return f
}

func (f filter) match(ev protocol.StackEventMsg) bool {
	// Region and rule events carry no kind and go to everyone.
	if f.kinds != nil && ev.Kind != "" && !f.kinds[ev.Kind] {
		return false
	}
	if f.events != nil && !f.events[ev.Event] {
		return false
	}
	return true
}

// ring keeps the most recent events in cursor order.
type ring struct {
	buf   []protocol.StackEventMsg
	start int
	n     int
}

func newRing(size int) *ring { return &ring{buf: make([]protocol.StackEventMsg, size)} }

func (r *ring) len() int { return r.n }

func (r *ring) push(ev protocol.StackEventMsg) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) protocol.StackEventMsg { return r.buf[(r.start+i)%len(r.buf)] }

// since returns up to limit matching events with a cursor above after, and
// the cursor to resume from. Events older than the buffer are gone.
func (r *ring) since(after uint64, limit int, match func(protocol.StackEventMsg) bool) ([]protocol.StackEventMsg, uint64) {
	next := after
	var out []protocol.StackEventMsg
	for i := 0; i < r.n; i++ {
		ev := r.at(i)
		if ev.Cursor <= after {
			continue
		}
		if len(out) == limit {
			break
		}
		next = ev.Cursor
		if match(ev) {
			out = append(out, ev)
		}
	}
	return out, next
}
