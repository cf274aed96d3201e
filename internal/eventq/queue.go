// Package eventq provides an unbounded FIFO that hands values from any
// number of producer goroutines to a consumer that waits with an
// optional timeout.
package eventq

import (
	"sync"
	"time"
)

// Queue is an unbounded FIFO safe for concurrent use. Push never blocks.
// The zero value is not usable; create queues with New.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify chan struct{} // capacity 1, signalled when items become available
	done   chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. Values pushed after Close are discarded.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the oldest value. It waits up to timeout for
// one to arrive; a timeout of zero or less waits until a value arrives
// or the queue is closed. ok is false on timeout and after Close.
func (q *Queue[T]) Pop(timeout time.Duration) (v T, ok bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		if v, ok, closed := q.tryPop(); ok || closed {
			return v, ok
		}
		select {
		case <-q.notify:
		case <-expired:
			// A push may have raced the timer.
			v, ok, _ := q.tryPop()
			return v, ok
		case <-q.done:
			return v, false
		}
	}
}

func (q *Queue[T]) tryPop() (v T, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return v, false, true
	}
	if len(q.items) == 0 {
		return v, false, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true, false
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Flush discards every queued value and returns how many were dropped.
func (q *Queue[T]) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued values and wakes every blocked Pop. It is safe
// to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	clear(q.items)
	q.items = nil
	close(q.done)
}
