package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/txlife/internal/event"
)

// IDGenerator produces transaction ids for synthetic feeds.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 transaction ids.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, for deterministic tests.
//
// Thread-safety: safe for concurrent use.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id. Panics once all ids are consumed, which
// means the test asked for more transactions than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Shape is a synthetic transaction lifecycle.
type Shape string

const (
	ShapeAuthorized    Shape = "authorized"     // closes and gets a receipt
	ShapeDenied        Shape = "denied"         // KO authorization, then closed
	ShapeExpired       Shape = "expired"        // abandoned after activation
	ShapeClosureFailed Shape = "closure_failed" // closure errors until expiry
)

// Shapes lists every synthetic shape in generation order.
func Shapes() []Shape {
	return []Shape{ShapeAuthorized, ShapeDenied, ShapeExpired, ShapeClosureFailed}
}

// Lifecycle returns the ordered events of one synthetic transaction,
// starting at sequence number 1 and one second apart from start.
func Lifecycle(id string, shape Shape, start time.Time) []event.Event {
	type step struct {
		code    event.Code
		payload string
	}
	var steps []step
	switch shape {
	case ShapeDenied:
		steps = []step{
			{code: event.ActivationRequested},
			{code: event.Activated},
			{code: event.AuthorizationRequested},
			{code: event.AuthorizationStatusUpdated, payload: `{"outcome":"KO"}`},
			{code: event.ClosureSent},
			{code: event.UserReceiptAdded},
		}
	case ShapeExpired:
		steps = []step{
			{code: event.ActivationRequested},
			{code: event.Activated},
			{code: event.Expired},
		}
	case ShapeClosureFailed:
		steps = []step{
			{code: event.ActivationRequested},
			{code: event.Activated},
			{code: event.AuthorizationRequested},
			{code: event.AuthorizationStatusUpdated, payload: `{"outcome":"OK"}`},
			{code: event.ClosureError},
			{code: event.ClosureError},
			{code: event.Expired},
		}
	default:
		steps = []step{
			{code: event.ActivationRequested},
			{code: event.Activated},
			{code: event.AuthorizationRequested},
			{code: event.AuthorizationStatusUpdated, payload: `{"outcome":"OK"}`},
			{code: event.ClosureSent},
			{code: event.UserReceiptAdded},
		}
	}

	events := make([]event.Event, len(steps))
	for i, s := range steps {
		events[i] = event.Event{
			TransactionID:  id,
			Code:           s.code,
			OccurredAt:     start.Add(time.Duration(i) * time.Second),
			SequenceNumber: int64(i + 1),
		}
		if s.payload != "" {
			events[i].Payload = json.RawMessage(s.payload)
		}
	}
	return events
}

// Synthesize builds n transactions cycling through Shapes, with ids from gen.
// Events of one transaction stay in order; transactions are interleaved
// round-robin so different ids arrive concurrently.
func Synthesize(gen IDGenerator, n int, start time.Time) []event.Event {
	shapes := Shapes()
	streams := make([][]event.Event, n)
	longest := 0
	for i := range streams {
		streams[i] = Lifecycle(gen.Generate(), shapes[i%len(shapes)], start)
		if len(streams[i]) > longest {
			longest = len(streams[i])
		}
	}

	var out []event.Event
	for step := 0; step < longest; step++ {
		for _, s := range streams {
			if step < len(s) {
				out = append(out, s[step])
			}
		}
	}
	return out
}
