// Package concurrency implements ConcurrencyGate: a bounded in-flight
// execution counter backed by a FIFO-capped wait queue, translating queue
// saturation to a distinct error from any other internal failure.
package concurrency

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by Acquire when the wait queue is already at
// capacity. Callers translate this to ServerBusy (-32000) at the wire edge
// rather than an internal error, since it is an expected backpressure
// signal, not a failure.
var ErrQueueFull = errors.New("concurrency: wait queue is full")

// Gate bounds the number of in-flight executions to maxInFlight, queuing
// excess callers (up to maxQueue) in FIFO order via Go's channel receive
// ordering. Safe for concurrent use.
type Gate struct {
	slots chan struct{}
	queue chan struct{}
}

// New constructs a Gate permitting maxInFlight concurrent holders and up to
// maxQueue additional waiters.
func New(maxInFlight, maxQueue int) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Gate{
		slots: make(chan struct{}, maxInFlight),
		queue: make(chan struct{}, maxQueue),
	}
}

// Acquire takes an execution slot immediately if one is free. Otherwise it
// reserves a queue ticket (failing fast with ErrQueueFull if the wait queue
// is already full) and blocks until a slot frees up or ctx is canceled. The
// returned release func must be called exactly once to free the slot.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	default:
	}

	select {
	case g.queue <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}
	defer func() { <-g.queue }()

	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports the number of currently held slots.
func (g *Gate) InFlight() int {
	return len(g.slots)
}

// Queued reports the number of callers currently waiting for a slot.
func (g *Gate) Queued() int {
	return len(g.queue)
}
