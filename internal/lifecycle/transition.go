package lifecycle

import (
	"github.com/roach88/txlife/internal/event"
)

// Reason explains why an event was not applied.
//
// The lifecycle itself produces only ReasonUnknownTransition,
// ReasonAlreadyTerminal and ReasonOutOfOrder; the projector adds the
// sequence- and existence-based reasons.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUnknownTransition  Reason = "UNKNOWN_TRANSITION"
	ReasonAlreadyTerminal    Reason = "ALREADY_TERMINAL"
	ReasonOutOfOrder         Reason = "OUT_OF_ORDER"
	ReasonUnknownTransaction Reason = "UNKNOWN_TRANSACTION"
	ReasonAlreadyApplied     Reason = "ALREADY_APPLIED"
)

// Decision is the outcome of a transition lookup.
// Exactly one of To or Reason is meaningful.
type Decision struct {
	To     Status
	Reason Reason
}

// Accepted reports whether the transition is allowed.
func (d Decision) Accepted() bool {
	return d.Reason == ReasonNone
}

func accept(to Status) Decision     { return Decision{To: to} }
func reject(reason Reason) Decision { return Decision{Reason: reason} }

type edge struct {
	from Status
	code event.Code
}

// table holds every accepted transition. Pairs not present are rejected.
var table = map[edge]Status{
	{StatusNew, event.ActivationRequested}: StatusActivationRequested,
	{StatusNew, event.Activated}:           StatusActivated,

	{StatusActivationRequested, event.Activated}: StatusActivated,
	{StatusActivationRequested, event.Expired}:   StatusExpired,

	{StatusActivated, event.AuthorizationRequested}: StatusAuthorizationRequested,
	{StatusActivated, event.Expired}:                StatusExpired,

	{StatusAuthorizationRequested, event.AuthorizationStatusUpdated}: StatusAuthorized,
	{StatusAuthorizationRequested, event.Expired}:                    StatusExpired,

	{StatusAuthorized, event.ClosureSent}:  StatusClosureSent,
	{StatusAuthorized, event.ClosureError}: StatusClosureError,
	{StatusAuthorized, event.Expired}:      StatusExpired,

	{StatusDenied, event.ClosureSent}:  StatusClosureSent,
	{StatusDenied, event.ClosureError}: StatusClosureError,
	{StatusDenied, event.Expired}:      StatusExpired,

	{StatusClosureError, event.ClosureSent}:  StatusClosureSent,
	{StatusClosureError, event.ClosureError}: StatusClosureError,
	{StatusClosureError, event.Expired}:      StatusTerminalError,

	{StatusClosureSent, event.UserReceiptAdded}: StatusReceiptAdded,
	{StatusClosureSent, event.Expired}:          StatusExpired,
}

// Transition returns the status reached by applying code to a transaction in
// status from, or the reason the move is rejected.
//
// Transition is total: every (Status, Code) pair, including unknown statuses
// and invalid codes, has a defined result.
func Transition(from Status, code event.Code) Decision {
	if IsTerminal(from) {
		return reject(ReasonAlreadyTerminal)
	}
	if to, ok := table[edge{from, code}]; ok {
		return accept(to)
	}
	// A creating code on a transaction that is already past creation
	// arrived after its successors.
	if code.Creates() && from.Valid() && from != StatusNew {
		return reject(ReasonOutOfOrder)
	}
	return reject(ReasonUnknownTransition)
}

// Decide is Transition refined with the outcome carried by the event: an
// authorization update whose payload reports KO moves to StatusDenied
// instead of StatusAuthorized.
func Decide(from Status, ev event.Event) Decision {
	d := Transition(from, ev.Code)
	if d.Accepted() && d.To == StatusAuthorized && ev.AuthorizationOutcome() == event.OutcomeKO {
		d.To = StatusDenied
	}
	return d
}

// Edge is one accepted transition, exported for inspection.
type Edge struct {
	From Status
	Code event.Code
	To   Status
}

// Table returns the accepted transitions ordered by source status, then code.
func Table() []Edge {
	out := make([]Edge, 0, len(table))
	for _, from := range statuses {
		for _, code := range event.Codes() {
			if to, ok := table[edge{from, code}]; ok {
				out = append(out, Edge{From: from, Code: code, To: to})
			}
		}
	}
	return out
}
