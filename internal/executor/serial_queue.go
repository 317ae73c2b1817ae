package executor

import "sync"

// SerialQueue is a single-goroutine FIFO work queue. Tasks run strictly in
// enqueue order on the queue's own goroutine, which is what gives the
// Background and Affinity strategies their serialization and thread identity.
// The store's asynchronous diff consumer reuses it for the same ordering
// guarantee.
type SerialQueue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	done chan struct{}
}

// NewSerialQueue starts the queue's worker goroutine.
func NewSerialQueue(name string) *SerialQueue {
	q := &SerialQueue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Enqueue appends a task, returning false when the queue is closed.
func (q *SerialQueue) Enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.queue = append(q.queue, task)
	q.cond.Signal()
	return true
}

func (q *SerialQueue) loop() {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			close(q.done)
			return
		}
		task := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		task()
	}
}

// Close stops accepting tasks and blocks until the queued ones have run.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}
