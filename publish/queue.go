package publish

import (
	"sync"

	"canopy/trace"
)

type queueItem struct {
	tr      *trace.Snapshot
	isFlush bool
}

// closableQueue is an unbounded, FIFO, single-consumer-oriented queue that
// can be closed: once closed and drained, next returns ok=false rather than
// blocking forever. It is the Go stand-in for the source project's
// ClosableQueue, which is itself a small in-house helper rather than a
// published dependency.
type closableQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queueItem
	closed bool
}

func newClosableQueue() *closableQueue {
	q := &closableQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *closableQueue) put(item queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

func (q *closableQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *closableQueue) next() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}
