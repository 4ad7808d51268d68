package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTimeout = errors.New("telemetry: condition not met before timeout")

// DefaultStaleAfter is how old the latest sample may get before Read treats
// it as absent.
const DefaultStaleAfter = 3 * time.Second

// Cache is a single-slot store of the freshest Sample. Publish replaces the
// slot atomically; readers never block on writers.
type Cache struct {
	latest atomic.Pointer[Sample]

	// notify is closed and replaced on every Publish to wake waiters.
	mu     sync.Mutex
	notify chan struct{}

	staleAfter time.Duration
	now        func() time.Time
}

func NewCache(staleAfter time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Cache{
		notify:     make(chan struct{}),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Publish replaces the cached snapshot and wakes every waiter.
func (c *Cache) Publish(s Sample) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = c.now()
	}
	c.latest.Store(&s)

	c.mu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Read returns the most recent snapshot. ok is false when nothing was ever
// published or the snapshot is older than the staleness threshold.
func (c *Cache) Read() (Sample, bool) {
	p := c.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	if c.now().Sub(p.UpdatedAt) > c.staleAfter {
		return Sample{}, false
	}
	return *p, true
}

// Last returns the last published snapshot regardless of age.
func (c *Cache) Last() (Sample, bool) {
	p := c.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

// Age reports how long ago the last snapshot was published.
func (c *Cache) Age() (time.Duration, bool) {
	p := c.latest.Load()
	if p == nil {
		return 0, false
	}
	return c.now().Sub(p.UpdatedAt), true
}

func (c *Cache) StaleAfter() time.Duration {
	return c.staleAfter
}

func (c *Cache) changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// AwaitCondition blocks until the current or a newly published sample
// satisfies pred, the timeout elapses (ErrTimeout), or ctx is done (ctx.Err()).
// The timeout is mandatory.
func (c *Cache) AwaitCondition(ctx context.Context, pred func(Sample) bool, timeout time.Duration) (Sample, error) {
	if pred == nil {
		return Sample{}, fmt.Errorf("telemetry: predicate is nil")
	}
	if timeout <= 0 {
		return Sample{}, fmt.Errorf("telemetry: timeout must be > 0")
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		// Grab the wakeup channel before checking so a concurrent Publish
		// cannot slip between the check and the wait.
		ch := c.changed()
		if p := c.latest.Load(); p != nil && pred(*p) {
			return *p, nil
		}
		select {
		case <-ch:
		case <-t.C:
			return Sample{}, ErrTimeout
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		}
	}
}
