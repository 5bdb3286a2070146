package testutil

import (
	"encoding/json"
	"time"

	"github.com/roach88/txlife/internal/event"
)

// BaseTime is the OccurredAt of sequence number 0 in built events.
var BaseTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Stream builds the events of one transaction with consecutive sequence
// numbers and deterministic timestamps (BaseTime + seq minutes).
type Stream struct {
	id    string
	clock *SequenceClock
}

// NewStream starts a stream for id with its own clock.
func NewStream(id string) *Stream {
	return &Stream{id: id, clock: NewSequenceClock()}
}

// NewStreamWithClock starts a stream sharing clock with other streams.
func NewStreamWithClock(id string, clock *SequenceClock) *Stream {
	return &Stream{id: id, clock: clock}
}

// ID returns the transaction id of the stream.
func (s *Stream) ID() string {
	return s.id
}

// Next returns the next event with the given code and no payload.
func (s *Stream) Next(code event.Code) event.Event {
	return s.At(s.clock.Next(s.id), code)
}

// NextWith returns the next event with a raw JSON payload.
func (s *Stream) NextWith(code event.Code, payload string) event.Event {
	ev := s.Next(code)
	ev.Payload = json.RawMessage(payload)
	return ev
}

// At builds an event with an explicit sequence number without advancing
// the stream. Use it for duplicates and gaps.
func (s *Stream) At(seq int64, code event.Code) event.Event {
	return Event(s.id, seq, code)
}

// Event builds a single event.
func Event(id string, seq int64, code event.Code) event.Event {
	return event.Event{
		TransactionID:  id,
		Code:           code,
		OccurredAt:     BaseTime.Add(time.Duration(seq) * time.Minute),
		SequenceNumber: seq,
	}
}

// HappyPath returns the full successful lifecycle for id, seq 1..6.
func HappyPath(id string) []event.Event {
	s := NewStream(id)
	return []event.Event{
		s.Next(event.ActivationRequested),
		s.Next(event.Activated),
		s.Next(event.AuthorizationRequested),
		s.NextWith(event.AuthorizationStatusUpdated, `{"outcome":"OK"}`),
		s.Next(event.ClosureSent),
		s.Next(event.UserReceiptAdded),
	}
}
