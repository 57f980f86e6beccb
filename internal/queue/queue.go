// Package queue provides the unbounded-growth, bounded-length FIFO used for
// per-connection outboxes and per-topic bus delivery.
package queue

import (
	"errors"
	"sync"
)

// Errors
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Queue is a thread-safe ring buffer that doubles its capacity when it reaches
// 70% full, up to an optional length limit.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unlimited
	closed   bool

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalDropped int64
	resizeCount  int
}

// New creates a queue with the given initial capacity. limit caps the number of
// queued items; 0 means no cap.
func New[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &Queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. Returns ErrClosed after Close and ErrFull when the
// length limit is reached.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && q.count >= q.limit {
		q.totalDropped++
		return ErrFull
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++

	q.cond.Signal()
	return nil
}

// Pop removes the oldest item, blocking until one is available or the queue is
// closed. Items pushed before Close are still returned; ok is false once the
// queue is closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Drain removes up to max items (all if max <= 0) without blocking.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.take()
	}
	return result
}

// Close stops accepting items and wakes all waiting receivers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats contains queue statistics.
type Stats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalPopped  int64
	TotalDropped int64
	ResizeCount  int
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:        q.count,
		Capacity:     q.capacity,
		TotalPushed:  q.totalPushed,
		TotalPopped:  q.totalPopped,
		TotalDropped: q.totalDropped,
		ResizeCount:  q.resizeCount,
	}
}

// take pops the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) take() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalPopped++
	return item
}

// grow doubles the capacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
