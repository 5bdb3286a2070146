package dispatcher

import (
	"context"
	"sync"

	"github.com/roach88/txlife/internal/feed"
)

// shardQueue is the FIFO of deliveries owned by one worker.
//
// The receive loop enqueues and exactly one worker dequeues, so deliveries
// for a transaction id are handled in the order they were received.
//
// Capacity is bounded by slots: Enqueue blocks while the queue is full,
// which stops the receive loop from pulling more than it can hold.
//
// The signal channel (buffered, size 1) lets the worker wait for work in a
// select alongside nothing else; Close closes it to wake the worker.
type shardQueue struct {
	mu         sync.Mutex
	deliveries []feed.Delivery
	closed     bool
	signal     chan struct{}
	slots      chan struct{}
}

func newShardQueue(depth int) *shardQueue {
	if depth < 1 {
		depth = 1
	}
	return &shardQueue{
		deliveries: make([]feed.Delivery, 0, depth),
		signal:     make(chan struct{}, 1),
		slots:      make(chan struct{}, depth),
	}
}

// Enqueue adds d to the back of the queue, waiting for a free slot.
// Returns false if ctx is done first or the queue is closed.
func (q *shardQueue) Enqueue(ctx context.Context, d feed.Delivery) bool {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		<-q.slots
		return false
	}
	q.deliveries = append(q.deliveries, d)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front delivery without blocking.
func (q *shardQueue) TryDequeue() (feed.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deliveries) == 0 {
		return feed.Delivery{}, false
	}
	d := q.deliveries[0]
	// Clear the slot so the backing array does not pin message bodies.
	q.deliveries[0] = feed.Delivery{}
	if len(q.deliveries) == 1 {
		q.deliveries = q.deliveries[:0]
	} else {
		q.deliveries = q.deliveries[1:]
	}
	<-q.slots
	return d, true
}

// Wait returns a channel that signals when deliveries may be available.
// It is closed by Close.
func (q *shardQueue) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed and empty.
func (q *shardQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.deliveries) == 0
}

// Len returns the number of queued deliveries.
func (q *shardQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deliveries)
}

// Close stops accepting deliveries and wakes the worker.
func (q *shardQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
