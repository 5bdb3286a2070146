// Package feed adapts inbound event sources to a single pull interface.
//
// A Source yields Deliveries one at a time. Each Delivery carries a decoded
// event (or the decode failure) and must be settled exactly once with Ack or
// Nack. Sources: AMQP queue, JSON-lines file, in-memory channel.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/roach88/txlife/internal/event"
)

// ErrClosed is returned by Receive when the source has no more deliveries.
var ErrClosed = errors.New("feed closed")

// Acknowledger settles a delivery with its source.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one message received from a source.
type Delivery struct {
	// ID identifies the message within its source (AMQP delivery tag, file
	// line number, memory counter).
	ID string

	// Body is the raw message as received.
	Body []byte

	// Event is the decoded event. It is zero when Err is set.
	Event event.Event

	// Err is the decode failure for a malformed body.
	Err error

	// Trace holds W3C trace context headers carried by the message.
	Trace map[string]string

	ack Acknowledger
}

// Ack confirms the delivery was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Ack()
}

// Nack rejects the delivery. With requeue false a broker routes it to its
// dead-letter exchange.
func (d Delivery) Nack(requeue bool) error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Nack(requeue)
}

// Source is a pull-based event feed.
type Source interface {
	// Receive blocks until a delivery is available, the context is done, or
	// the source is exhausted (ErrClosed).
	Receive(ctx context.Context) (Delivery, error)
}

// envelope is the queue wire format: the event plus optional tracing info.
type envelope struct {
	Event       json.RawMessage `json:"event"`
	TracingInfo *tracingInfo    `json:"tracingInfo,omitempty"`
}

type tracingInfo struct {
	TraceParent string `json:"traceparent"`
	TraceState  string `json:"tracestate,omitempty"`
	Baggage     string `json:"baggage,omitempty"`
}

// Decode parses a message body. Both the queue envelope
// {"event": {...}, "tracingInfo": {...}} and a bare event object are accepted.
// The decoded event is validated.
func Decode(body []byte) (event.Event, map[string]string, error) {
	if !gjson.ValidBytes(body) {
		return event.Event{}, nil, fmt.Errorf("decode event: %w: malformed JSON", event.ErrInvalidEvent)
	}

	raw := body
	var trace map[string]string
	if gjson.GetBytes(body, "event").IsObject() {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return event.Event{}, nil, fmt.Errorf("decode envelope: %w", err)
		}
		raw = env.Event
		trace = env.TracingInfo.headers()
	}

	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return event.Event{}, nil, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, trace, nil
}

// Encode renders ev in the queue envelope format.
func Encode(ev event.Event, trace map[string]string) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	env := envelope{Event: raw}
	if tp := trace["traceparent"]; tp != "" {
		env.TracingInfo = &tracingInfo{
			TraceParent: tp,
			TraceState:  trace["tracestate"],
			Baggage:     trace["baggage"],
		}
	}
	return json.Marshal(env)
}

func (t *tracingInfo) headers() map[string]string {
	if t == nil || t.TraceParent == "" {
		return nil
	}
	h := map[string]string{"traceparent": t.TraceParent}
	if t.TraceState != "" {
		h["tracestate"] = t.TraceState
	}
	if t.Baggage != "" {
		h["baggage"] = t.Baggage
	}
	return h
}

// newDelivery decodes body into a Delivery settled through ack.
func newDelivery(id string, body []byte, ack Acknowledger) Delivery {
	ev, trace, err := Decode(body)
	return Delivery{ID: id, Body: body, Event: ev, Err: err, Trace: trace, ack: ack}
}
