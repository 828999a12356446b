// Package queue provides the bounded FIFO hand-off between relayd acceptors
// and the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded multi-producer, multi-consumer FIFO.
//
// Enqueue never blocks; capacity is the backpressure knob. Dequeue blocks
// until an item arrives, the context ends, or the queue is closed.
type Queue[T any] struct {
	items chan T

	// mu orders Enqueue against Close, so nothing lands after Drain.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New returns an empty queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue appends v without blocking.
func (q *Queue[T]) Enqueue(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.items <- v:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue removes and returns the oldest item.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	// A closed queue wins over buffered items: after shutdown nothing new is
	// started, and Drain hands the leftovers back.
	select {
	case <-q.done:
		return zero, ErrClosed
	default:
	}

	select {
	case v := <-q.items:
		return v, nil
	case <-q.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close wakes all blocked Dequeue calls and rejects further Enqueue calls.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
