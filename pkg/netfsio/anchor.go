package netfsio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// opCounter is an in-flight counter with a broadcast wake primitive,
// grounded on the offloader's ioCond pattern: a mutex-guarded value plus
// a sync.Cond broadcast on every change, so a parked waiter notices any
// transition without polling.
//
// It doubles as the "anchor" device from the design notes: Anchor takes
// an extra +1 before a caller begins a multi-step operation (a
// submission loop, a resubmission pass, a writeback amalgamation) and
// returns a scoped drop function. Whichever drop call observes the
// counter reach zero is the one completion that is allowed to run the
// next phase — every other concurrent completion only wakes parkers and
// returns.
type opCounter struct {
	mu   sync.Mutex
	cond sync.Cond
	n    int64
}

func newOpCounter() *opCounter {
	c := &opCounter{}
	c.cond.L = &c.mu
	return c
}

// Add adjusts the counter by delta and returns the new value, waking any
// parked waiters.
func (c *opCounter) Add(delta int64) int64 {
	c.mu.Lock()
	c.n += delta
	n := c.n
	c.mu.Unlock()
	c.cond.Broadcast()
	return n
}

// Load returns the current value.
func (c *opCounter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Anchor takes the extra +1 and returns a drop function. drop is safe to
// call exactly once; calling it twice panics, matching the no-leak,
// no-double-release discipline the design notes call for.
func (c *opCounter) Anchor() (drop func() (isZero bool)) {
	c.Add(1)

	var dropped atomic.Bool
	return func() bool {
		if !dropped.CompareAndSwap(false, true) {
			panic("netfsio: anchor dropped more than once")
		}
		return c.Add(-1) == 0
	}
}

// ParkUntilOne blocks until the counter reaches 1 (only the anchor
// remains) or ctx is canceled, in which case it returns an error that
// wraps both ErrCanceled and ctx.Err().
func (c *opCounter) ParkUntilOne(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cond.Broadcast)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.n != 1 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		c.cond.Wait()
	}
	return nil
}
