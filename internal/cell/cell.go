// Package cell implements the "latest value with notification" primitive
// the engine's observable task surface needs: state and segments are
// updated far more often than observers can usefully consume, so a slow
// subscriber should see the newest value, never a backlog.
package cell

import "sync"

// Cell holds the latest value of T plus a version counter, broadcasting
// updates to subscribers via condition-variable wakeups rather than a
// buffered channel per subscriber (which would need unbounded buffering
// or drop policy of its own).
type Cell[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	value   T
	version uint64
	closed  bool
}

// New creates a Cell seeded with the given initial value.
func New[T any](initial T) *Cell[T] {
	c := &Cell[T]{value: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Set publishes a new value, coalescing with any pending update a slow
// subscriber hasn't yet observed.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.version++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Close unblocks any goroutine waiting in Next or Subscribe.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Next blocks until the cell's version advances past lastSeen (or the
// cell is closed), then returns the latest value and its version. Pass
// the version previously returned to keep waiting for the next change.
func (c *Cell[T]) Next(lastSeen uint64) (value T, version uint64, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.version == lastSeen && !c.closed {
		c.cond.Wait()
	}
	return c.value, c.version, c.closed
}

// Subscribe returns a channel that always holds only the most recent
// value; if the consumer is slower than producers, intermediate values
// are dropped rather than queued. The channel closes when done is
// canceled or the cell is closed.
func (c *Cell[T]) Subscribe(done <-chan struct{}) <-chan T {
	out := make(chan T, 1)
	stopped := false // guarded by c.mu; set once done is closed
	if done != nil {
		go func() {
			<-done
			c.mu.Lock()
			stopped = true
			c.mu.Unlock()
			c.cond.Broadcast()
		}()
	}
	go func() {
		defer close(out)
		var lastSeen uint64
		for {
			c.mu.Lock()
			for c.version == lastSeen && !c.closed && !stopped {
				c.cond.Wait()
			}
			value, version, closed, quit := c.value, c.version, c.closed, stopped
			c.mu.Unlock()
			if version != lastSeen {
				select {
				case out <- value:
				case <-out:
					out <- value
				default:
				}
				lastSeen = version
			}
			if closed || quit {
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	return out
}
