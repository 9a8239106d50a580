// Package capacity implements the process-wide reservation counter that
// bounds aggregate in-flight generation work (spec §3 Capacity, §4.1).
package capacity

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// pollInterval is how often a blocked Acquire re-checks whether capacity
// has freed up. The original polled every 0.5s inside CapacitySemaphore;
// we keep the same cadence.
const pollInterval = 500 * time.Millisecond

// Governor is the Capacity pair (reserved, total) from spec §3. reserved
// and total are accessed with atomic increment/decrement so that Acquire
// and Release never suspend the calling goroutine on a lock under
// contention — this is required by spec §5's "Shared resources" paragraph.
type Governor struct {
	reserved atomic.Int64
	total    atomic.Int64
}

// New creates a Governor with the given total capacity.
func New(total int64) *Governor {
	g := &Governor{}
	g.total.Store(total)
	return g
}

// Total returns the current total capacity.
func (g *Governor) Total() int64 { return g.total.Load() }

// Reserved returns the currently reserved capacity.
func (g *Governor) Reserved() int64 { return g.reserved.Load() }

// SetTotal adjusts total capacity at runtime (used by config hot reload).
func (g *Governor) SetTotal(total int64) { g.total.Store(total) }

// Acquire blocks cooperatively until reserved+n <= total, then reserves n.
// The invariant reserved <= total is preserved by only the single goroutine
// that observes capacity available actually performing the add; concurrent
// callers may race on the check but CompareAndSwap-style retry keeps the
// invariant intact under contention.
func (g *Governor) Acquire(ctx context.Context, n int64) error {
	for {
		reserved := g.reserved.Load()
		total := g.total.Load()
		if reserved+n <= total {
			if g.reserved.CompareAndSwap(reserved, reserved+n) {
				return nil
			}
			continue // lost the race, retry the check
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release returns n reservations, never taking reserved below zero.
func (g *Governor) Release(n int64) {
	for {
		reserved := g.reserved.Load()
		next := reserved - n
		if next < 0 {
			next = 0
		}
		if g.reserved.CompareAndSwap(reserved, next) {
			return
		}
	}
}

// ShouldThrottle reports whether the Batcher should pause emitting new
// batches to preserve headroom for in-flight recoveries (spec §4.1:
// "batchers also self-throttle by not dispatching new batches while
// reserved >= 0.8 * total").
func (g *Governor) ShouldThrottle() bool {
	total := g.total.Load()
	if total <= 0 {
		return false
	}
	return float64(g.reserved.Load()) >= 0.8*float64(total)
}

// WaitUntilAvailable blocks until ShouldThrottle is false or ctx is done.
func (g *Governor) WaitUntilAvailable(ctx context.Context) error {
	for g.ShouldThrottle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}
