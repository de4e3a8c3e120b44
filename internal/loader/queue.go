package loader

import "sync"

// taskQueue is an unbounded FIFO of tasks waiting to be dispatched
type taskQueue struct {
	mu     sync.Mutex
	items  []*task
	closed bool

	// Buffered so push never blocks; closed on close()
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		items:  make([]*task, 0),
		signal: make(chan struct{}, 1),
	}
}

// push appends t. Returns false if the queue is closed.
func (q *taskQueue) push(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// pop blocks until a task is available. Returns false once the queue is closed
// and drained.
func (q *taskQueue) pop() (*task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
