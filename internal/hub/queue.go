package hub

import "sync"

// workQueue is an unbounded FIFO of closures feeding the run loop.
//
// Producers on any goroutine call push; the loop drains with pop and waits
// on signal, which coalesces wake-ups into a 1-buffered channel.
type workQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{
		items:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// push appends fn, reporting false once the queue is closed.
func (q *workQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the front item without blocking.
func (q *workQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return fn, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops further pushes. Items already queued can still be popped.
func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
