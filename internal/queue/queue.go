// Package queue provides the typed event channels that connect the stages of
// the trading pipeline: ticks, signals, orders, and executions.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put and Get once the queue has been closed and
// drained.
var ErrClosed = errors.New("queue: closed")

// Queue is an ordered, multiple-producer/multiple-consumer event queue built
// on a buffered channel. A capacity of 0 or less creates an unbounded queue:
// Put never blocks and spills into an internal overflow list when the
// channel buffer is full.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}

	mu       sync.Mutex
	overflow []T // unbounded mode only
	closed   bool
	unbound  bool
}

// New creates a Queue with the given capacity. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{done: make(chan struct{})}
	if capacity <= 0 {
		q.ch = make(chan T, 64)
		q.unbound = true
	} else {
		q.ch = make(chan T, capacity)
	}
	return q
}

// Put enqueues an event. On a bounded queue it blocks until space is
// available or the queue is closed. On an unbounded queue it never blocks.
func (q *Queue[T]) Put(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.unbound {
		q.enqueueUnboundLocked(v)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// TryPut enqueues an event without blocking. It reports whether the event
// was accepted.
func (q *Queue[T]) TryPut(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.unbound {
		q.enqueueUnboundLocked(v)
		return true
	}
	select {
	case q.ch <- v:
		return true
	default:
	}
	return false
}

// enqueueUnboundLocked appends to the channel only while the overflow is
// empty; once anything has spilled, newer events must queue behind it or
// FIFO order breaks. Caller holds q.mu.
func (q *Queue[T]) enqueueUnboundLocked(v T) {
	if len(q.overflow) == 0 {
		select {
		case q.ch <- v:
			return
		default:
		}
	}
	q.overflow = append(q.overflow, v)
}

// Get blocks until an event is available, the context is cancelled, or the
// queue is closed and fully drained.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.refill()
		select {
		case v := <-q.ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			// Closed: drain whatever remains, then report closed.
			if v, ok := q.TryGet(); ok {
				return v, nil
			}
			return zero, ErrClosed
		}
	}
}

// TryGet dequeues an event without blocking. The second return value reports
// whether an event was available.
func (q *Queue[T]) TryGet() (T, bool) {
	var zero T
	q.refill()
	select {
	case v := <-q.ch:
		return v, true
	default:
		return zero, false
	}
}

// Len returns the number of events currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.overflow)
}

// Close marks the queue closed. Producers are rejected from then on; queued
// events remain readable until drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// refill moves overflowed events into the channel as space frees up.
func (q *Queue[T]) refill() {
	if !q.unbound {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.overflow) > 0 {
		select {
		case q.ch <- q.overflow[0]:
			q.overflow = q.overflow[1:]
		default:
			return
		}
	}
}
