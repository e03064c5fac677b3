package render

import (
	"context"
	"sync"
)

// Coalescer holds at most one pending value. Submitting while a value is
// pending replaces it, so a consumer only ever sees the latest request.
type Coalescer[T any] struct {
	mu      sync.Mutex
	pending T
	has     bool
	ready   chan struct{}
	done    chan struct{}
	closed  bool
}

func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Submit stores v as the pending value. It reports whether an older
// pending value was superseded. Submissions after Close are dropped.
func (c *Coalescer[T]) Submit(v T) (superseded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	superseded = c.has
	c.pending, c.has = v, true

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return superseded
}

// Take removes and returns the pending value, if any.
func (c *Coalescer[T]) Take() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pending, c.has
	var zero T
	c.pending, c.has = zero, false
	return v, ok
}

// Pending reports whether a value is waiting.
func (c *Coalescer[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has
}

// Ready is signalled after a Submit. A signal may find nothing to Take if
// the value was already taken.
func (c *Coalescer[T]) Ready() <-chan struct{} { return c.ready }

// Done is closed by Close.
func (c *Coalescer[T]) Done() <-chan struct{} { return c.done }

// Close drops any pending value and stops Run.
func (c *Coalescer[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	var zero T
	c.pending, c.has = zero, false
	close(c.done)
}

// Run calls fn with each value taken until ctx is cancelled or the
// coalescer is closed.
func (c *Coalescer[T]) Run(ctx context.Context, fn func(T)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.ready:
			if v, ok := c.Take(); ok {
				fn(v)
			}
		}
	}
}
