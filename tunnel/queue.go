package tunnel

import "sync"

type recvStatus int

const (
	recvEmpty recvStatus = iota
	recvOK
	recvClosed
)

// queue is an unbounded FIFO with any number of producers and one consumer.
// The consumer polls with tryRecv and parks on readyChan.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

// push appends v. After close it drops v and returns false.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// tryRecv never blocks. Items pushed before close are still delivered;
// recvClosed is returned only once the queue is closed and drained.
func (q *queue[T]) tryRecv() (T, recvStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) > 0 {
		v := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		return v, recvOK
	}
	if q.closed {
		return zero, recvClosed
	}
	return zero, recvEmpty
}

// close stops accepting items. Safe to call more than once.
func (q *queue[T]) close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		q.signal()
	}
}

// readyChan receives a token whenever the queue may have changed since the
// last token was taken. Tokens coalesce; it is never closed.
func (q *queue[T]) readyChan() <-chan struct{} {
	return q.ready
}

func (q *queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
