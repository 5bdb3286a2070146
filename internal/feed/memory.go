package feed

import (
	"context"
	"strconv"
	"sync"

	"github.com/roach88/txlife/internal/event"
)

// Settlement records how a delivery from a Memory source was settled.
type Settlement struct {
	ID      string
	Acked   bool
	Requeue bool
}

// Memory is an in-process Source backed by an unbounded FIFO queue.
//
// Producers call Push or PushBody from any goroutine; Receive blocks until a
// delivery is queued, the source is closed and drained, or ctx is done.
// Every Ack/Nack is recorded for inspection.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	pending []Delivery
	closed  bool
	signal  chan struct{} // buffered, size 1
	nextID  int
	settled []Settlement
}

// NewMemory creates an empty memory source.
func NewMemory() *Memory {
	return &Memory{
		pending: make([]Delivery, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Push queues ev encoded in the envelope format.
// Returns false if the source is closed.
func (m *Memory) Push(ev event.Event) bool {
	body, err := Encode(ev, nil)
	if err != nil {
		return false
	}
	return m.PushBody(body)
}

// PushBody queues a raw message body. Malformed bodies are delivered with
// Delivery.Err set.
func (m *Memory) PushBody(body []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.pending = append(m.pending, newDelivery(id, body, memoryAck{m: m, id: id}))

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting deliveries. Queued deliveries are still returned;
// after that Receive returns ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

// Receive implements Source.
func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		if d, ok, closed := m.tryReceive(); ok {
			return d, nil
		} else if closed {
			return Delivery{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *Memory) tryReceive() (Delivery, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return Delivery{}, false, m.closed
	}
	d := m.pending[0]
	m.pending[0] = Delivery{}
	if len(m.pending) == 1 {
		m.pending = m.pending[:0]
	} else {
		m.pending = m.pending[1:]
	}
	return d, true, false
}

// Len returns the number of queued deliveries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Settlements returns the recorded acks and nacks in settlement order.
func (m *Memory) Settlements() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, len(m.settled))
	copy(out, m.settled)
	return out
}

func (m *Memory) settle(s Settlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = append(m.settled, s)
}

type memoryAck struct {
	m  *Memory
	id string
}

func (a memoryAck) Ack() error {
	a.m.settle(Settlement{ID: a.id, Acked: true})
	return nil
}

func (a memoryAck) Nack(requeue bool) error {
	a.m.settle(Settlement{ID: a.id, Requeue: requeue})
	return nil
}
