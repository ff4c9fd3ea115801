// Package gate implements the concurrency gate: bounded simultaneous
// in-flight tasks plus two independent sliding-window request quotas.
// Throttling suspends submission, never cancels an admitted task.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Hook receives instrumentation callbacks; both fields are optional and
// may be nil. OnAdmit is called with the new active count immediately
// after a task is admitted; OnRelease is called after a slot is freed.
type Hook struct {
	OnAdmit   func(active int)
	OnRelease func(active int)
}

type waiter struct {
	ch chan struct{}
}

// Gate bounds simultaneous admission to max concurrent tasks and enforces
// the configured sliding-window rate limits before admitting each one.
// Admission itself is backed by a semaphore.Weighted; the explicit waiter
// queue layered on top exists only to express the spec's
// re-queue-at-head-on-race fairness rule, which the semaphore's own
// internal queue cannot expose to callers.
type Gate struct {
	mu      sync.Mutex
	max     int
	active  int
	sem     *semaphore.Weighted
	queue   []*waiter
	limiter *RateLimiter
	hook    Hook
}

// New creates a Gate admitting at most max tasks concurrently, additionally
// bounded by the given per-minute/per-hour request caps (0 disables a
// window).
func New(max int, maxPerMinute, maxPerHour int, hook Hook) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{
		max:     max,
		sem:     semaphore.NewWeighted(int64(max)),
		limiter: NewRateLimiter(maxPerMinute, maxPerHour),
		hook:    hook,
	}
}

// Active returns the current number of admitted (in-flight) tasks. Safe
// to call concurrently; intended for instrumentation and test probes.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// QueueDepth returns the current number of tasks parked waiting for a
// concurrency slot. Safe to call concurrently; intended for
// instrumentation.
func (g *Gate) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Run acquires a slot, waits for rate-limit compliance, records an
// admission timestamp, executes task to completion, releases the slot,
// and returns task's value (or its error). The slot is held across the
// rate-limit wait, matching spec: throttling suspends submission, not
// an already-admitted task.
func Run[T any](ctx context.Context, g *Gate, task func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := g.acquireSlot(ctx); err != nil {
		return zero, err
	}
	defer g.releaseSlot()

	if err := g.limiter.WaitForSlot(ctx); err != nil {
		return zero, err
	}
	g.limiter.RecordAdmission()

	return task(ctx)
}

// acquireSlot blocks until a concurrency slot is available, admitting
// FIFO among waiters. The fast path only fires when no one is already
// queued, so a burst of fresh callers cannot cut in front of waiters
// already parked.
func (g *Gate) acquireSlot(ctx context.Context) error {
	g.mu.Lock()
	if len(g.queue) == 0 && g.sem.TryAcquire(1) {
		g.active++
		active := g.active
		g.mu.Unlock()
		if g.hook.OnAdmit != nil {
			g.hook.OnAdmit(active)
		}
		return nil
	}

	w := &waiter{ch: make(chan struct{}, 1)}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	for {
		select {
		case <-w.ch:
			g.mu.Lock()
			if g.sem.TryAcquire(1) {
				g.active++
				active := g.active
				g.mu.Unlock()
				if g.hook.OnAdmit != nil {
					g.hook.OnAdmit(active)
				}
				return nil
			}
			// Another release raced ahead of us; go back to the head
			// of the queue rather than the tail, preserving fairness.
			w.ch = make(chan struct{}, 1)
			g.queue = append([]*waiter{w}, g.queue...)
			g.mu.Unlock()
		case <-ctx.Done():
			g.mu.Lock()
			g.removeWaiter(w)
			g.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (g *Gate) removeWaiter(w *waiter) {
	for i, cand := range g.queue {
		if cand == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

func (g *Gate) releaseSlot() {
	g.mu.Lock()
	g.active--
	active := g.active
	g.sem.Release(1)
	var next *waiter
	if len(g.queue) > 0 {
		next = g.queue[0]
		g.queue = g.queue[1:]
	}
	g.mu.Unlock()

	if g.hook.OnRelease != nil {
		g.hook.OnRelease(active)
	}
	if next != nil {
		select {
		case next.ch <- struct{}{}:
		default:
		}
	}
}
