package chat

import (
	"sync"

	v1 "educhat/shared/contracts/chat/v1"
)

// Deduplicator remembers which message ids were already delivered to one
// conversation. It is owned by that conversation and dies with it.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[v1.ID]struct{}
}

// NewDeduplicator constructs an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[v1.ID]struct{})}
}

// Accept returns true and records the id the first time it is seen; false
// for every later call with the same canonical id and for messages without one.
func (d *Deduplicator) Accept(m v1.Message) bool {
	if m.ID.IsZero() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[m.ID]; ok {
		return false
	}
	d.seen[m.ID] = struct{}{}
	return true
}

// Seed marks msgs as already delivered. Messages without an id are ignored.
func (d *Deduplicator) Seed(msgs []v1.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		if !m.ID.IsZero() {
			d.seen[m.ID] = struct{}{}
		}
	}
}

// Seen reports whether id has been recorded.
func (d *Deduplicator) Seen(id v1.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of recorded ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset forgets every recorded id.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.seen = make(map[v1.ID]struct{})
	d.mu.Unlock()
}
