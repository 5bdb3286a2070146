// Package lifecycle is the transaction state machine: a pure, total,
// table-driven mapping from (current status, event code) to a new status or
// a rejection.
//
// Nothing in this package performs I/O, reads the clock or keeps state.
// Replaying the same events through Transition always yields the same
// statuses.
package lifecycle

import "fmt"

// Status is a position in the transaction lifecycle.
type Status string

const (
	// StatusNew is the pseudo status of a view that has not been persisted yet.
	StatusNew                    Status = "NEW"
	StatusActivationRequested    Status = "ACTIVATION_REQUESTED"
	StatusActivated              Status = "ACTIVATED"
	StatusAuthorizationRequested Status = "AUTHORIZATION_REQUESTED"
	StatusAuthorized             Status = "AUTHORIZED"
	StatusDenied                 Status = "DENIED"
	StatusClosureSent            Status = "CLOSURE_SENT"
	StatusClosureError           Status = "CLOSURE_ERROR"
	StatusReceiptAdded           Status = "RECEIPT_ADDED"
	StatusExpired                Status = "EXPIRED"
	StatusTerminalError          Status = "TERMINAL_ERROR"
)

var statuses = []Status{
	StatusNew,
	StatusActivationRequested,
	StatusActivated,
	StatusAuthorizationRequested,
	StatusAuthorized,
	StatusDenied,
	StatusClosureSent,
	StatusClosureError,
	StatusReceiptAdded,
	StatusExpired,
	StatusTerminalError,
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusExpired, StatusTerminalError, StatusReceiptAdded:
		return true
	}
	return false
}

// IsTransient reports whether a transaction in s is still in flight and must
// eventually be expired if no further event arrives.
func IsTransient(s Status) bool {
	switch s {
	case StatusActivationRequested,
		StatusActivated,
		StatusAuthorizationRequested,
		StatusAuthorized,
		StatusDenied,
		StatusClosureSent,
		StatusClosureError:
		return true
	}
	return false
}
