// Package status holds the process-wide connection status observable. It
// deliberately carries only link.Status, never the connection itself.
package status

import (
	"sync"

	"gcslink/internal/link"
)

// Registry fans out connection status to listeners (web sockets, redis,
// indicators). It keeps the most recent value so a new subscriber gets the
// current status immediately.
type Registry struct {
	mu     sync.RWMutex
	subs   map[int]chan link.Status
	nextID int
	last   link.Status
	have   bool
}

// Default is the registry used by the binary.
var Default = New()

func New() *Registry {
	return &Registry{subs: make(map[int]chan link.Status)}
}

// Current returns the last published status, or Disconnected if nothing was
// published yet.
func (r *Registry) Current() link.Status {
	if r == nil {
		return link.Status{State: link.StateDisconnected}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.have {
		return link.Status{State: link.StateDisconnected}
	}
	return r.last
}

func (r *Registry) Subscribe(buffer int) (int, <-chan link.Status) {
	if r == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan link.Status, buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	if r.have {
		ch <- r.last
	}
	return id, ch
}

func (r *Registry) Unsubscribe(id int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// Publish records st and offers it to every subscriber. A subscriber whose
// buffer is full misses this update; the publisher never blocks.
func (r *Registry) Publish(st link.Status) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = st
	r.have = true
	for _, ch := range r.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (r *Registry) Subscribers() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
