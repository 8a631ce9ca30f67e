// Package pipe provides the bounded queues used for cross-goroutine frame
// handoff. A Queue is a fixed-capacity ring buffer guarded by a mutex and a
// pair of condition variables, so producers and consumers block on the queue
// itself rather than sleep-polling.
package pipe

import (
	"errors"
	"sync"
	"time"
)

var ErrInvalidSize = errors.New("pipe: queue capacity must be positive")

// Queue is a bounded FIFO ring buffer safe for concurrent use.
type Queue[T any] struct {
	data      []T
	head      uint64
	tail      uint64
	closed    bool
	mu        sync.Mutex
	condFull  *sync.Cond
	condEmpty *sync.Cond
}

// New instantiates a Queue with capacity n. n must be positive.
func New[T any](n int) (*Queue[T], error) {
	if n <= 0 {
		return nil, ErrInvalidSize
	}
	var q Queue[T]
	q.data = make([]T, n)
	q.condFull = sync.NewCond(&q.mu)
	q.condEmpty = sync.NewCond(&q.mu)
	return &q, nil
}

// Must returns a new Queue, or panics if the capacity is invalid.
func Must[T any](n int) *Queue[T] {
	q, err := New[T](n)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *Queue[T]) empty() bool {
	return q.head == q.tail
}

func (q *Queue[T]) full() bool {
	return (q.head - q.tail) == uint64(len(q.data))
}

func (q *Queue[T]) at(pos uint64) *T {
	return &q.data[pos%uint64(len(q.data))]
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.head - q.tail)
}

// Cap returns the fixed capacity of the queue.
func (q *Queue[T]) Cap() int {
	return len(q.data)
}

// Send enqueues item, blocking while the queue is full. It returns false
// if the queue was closed before the item could be enqueued.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.full() && !q.closed {
		q.condFull.Wait()
	}

	if q.closed {
		return false
	}

	*q.at(q.head) = item
	q.head++

	q.condEmpty.Signal()
	return true
}

// TrySend enqueues item without blocking. It returns false if the queue is
// full or closed.
func (q *Queue[T]) TrySend(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.full() {
		return false
	}

	*q.at(q.head) = item
	q.head++

	q.condEmpty.Signal()
	return true
}

// SendEvictOldest enqueues item, evicting the oldest queued item first if the
// queue is full. The evicted item, if any, is returned so the caller can
// account for it. ok is false only if the queue is closed.
func (q *Queue[T]) SendEvictOldest(item T) (evicted T, didEvict bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return evicted, false, false
	}

	if q.full() {
		evicted = *q.at(q.tail)
		q.tail++
		didEvict = true
	}

	*q.at(q.head) = item
	q.head++

	q.condEmpty.Signal()
	return evicted, didEvict, true
}

// EvictOldest removes and returns the item at the head of the queue, if any.
func (q *Queue[T]) EvictOldest() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.empty() {
		return zero, false
	}

	item := *q.at(q.tail)
	*q.at(q.tail) = zero
	q.tail++

	q.condFull.Signal()
	return item, true
}

// EvictMin removes and returns the queued item that is minimal under less.
// The relative order of the remaining items is preserved.
func (q *Queue[T]) EvictMin(less func(a, b T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.empty() {
		return zero, false
	}

	minPos := q.tail
	for pos := q.tail + 1; pos != q.head; pos++ {
		if less(*q.at(pos), *q.at(minPos)) {
			minPos = pos
		}
	}
	victim := *q.at(minPos)

	// Shift everything after the victim down one slot.
	for pos := minPos; pos+1 != q.head; pos++ {
		*q.at(pos) = *q.at(pos + 1)
	}
	q.head--
	*q.at(q.head) = zero

	q.condFull.Signal()
	return victim, true
}

// Recv dequeues into t, blocking while the queue is empty. It returns false
// once the queue is closed and drained.
func (q *Queue[T]) Recv(t *T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.empty() && !q.closed {
		q.condEmpty.Wait()
	}

	if q.empty() && q.closed {
		return false
	}

	*t = *q.at(q.tail)
	var zero T
	*q.at(q.tail) = zero
	q.tail++

	q.condFull.Signal()
	return true
}

// RecvTimeout dequeues into t, blocking up to timeout. It returns false on
// timeout or once the queue is closed and drained. Consumers use the timeout
// to periodically re-check external state (pause/stop) without busy-waiting.
func (q *Queue[T]) RecvTimeout(t *T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.empty() && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// sync.Cond has no timed wait, so arm a one-shot wakeup for the
		// remainder of the deadline before blocking.
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.condEmpty.Broadcast()
			q.mu.Unlock()
		})
		q.condEmpty.Wait()
		timer.Stop()
	}

	if q.empty() && q.closed {
		return false
	}

	*t = *q.at(q.tail)
	var zero T
	*q.at(q.tail) = zero
	q.tail++

	q.condFull.Signal()
	return true
}

// Close marks the queue closed and wakes all blocked producers and consumers.
// Queued items remain receivable until drained.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	q.condEmpty.Broadcast()
	q.condFull.Broadcast()
	return nil
}
