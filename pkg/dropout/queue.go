package dropout

import (
	"sync"
)

// queue is the unbounded FIFO carrying submitted values from handle holders
// to the worker.
//
// Go channels have a fixed capacity, so an unbounded handoff needs its own
// primitive: a mutex-guarded slice with a condition variable the worker parks
// on. push never blocks; pop blocks until a value arrives or the queue is
// closed and drained.
//
// The send side (push) is shared by every handle clone; the receive side
// (pop) is used only by the single worker goroutine.
type queue[T any] struct {
	mu       sync.Mutex
	nonEmpty sync.Cond
	items    []T
	closed   bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.nonEmpty.L = &q.mu
	return q
}

// push appends v to the tail of the queue and wakes the worker.
// It reports false if the queue has already been closed, in which case v was
// not enqueued.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.nonEmpty.Signal()
	return true
}

// pop removes and returns the value at the head of the queue, blocking while
// the queue is empty and still open. It returns ok=false only once the queue
// is closed and fully drained.
func (q *queue[T]) pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.nonEmpty.Wait()
	}

	if len(q.items) == 0 {
		return v, false
	}

	var zero T
	v = q.items[0]
	q.items[0] = zero // drop the queue's reference to the value
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Reset so the next burst starts from a fresh backing array instead
		// of growing the old one's tail forever.
		q.items = nil
	}
	return v, true
}

// close marks the queue as permanently closed and wakes the worker so it can
// drain whatever remains and exit. Values already enqueued stay poppable.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.nonEmpty.Broadcast()
}

// len returns the number of values currently waiting in the queue.
func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
