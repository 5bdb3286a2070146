package event

import (
	"errors"
	"fmt"
)

// ErrUnknownCode is returned when a wire string does not name a known code.
var ErrUnknownCode = errors.New("unknown event code")

// Code identifies the kind of a transaction event.
//
// The zero value is not a valid code.
type Code int

const (
	codeInvalid Code = iota

	// ActivationRequested opens a transaction; the payment is not yet activated.
	ActivationRequested
	// Activated marks the transaction as activated by the payment node.
	Activated
	// AuthorizationRequested records that authorization was requested from the gateway.
	AuthorizationRequested
	// AuthorizationStatusUpdated carries the authorization outcome (OK or KO).
	AuthorizationStatusUpdated
	// ClosureSent records a successful closePayment call.
	ClosureSent
	// ClosureError records a failed closePayment call.
	ClosureError
	// UserReceiptAdded records the user receipt, the happy-path end of a transaction.
	UserReceiptAdded
	// Expired records that the transaction expired before completing.
	Expired

	codeSentinel
)

var codeNames = [...]string{
	codeInvalid:                "",
	ActivationRequested:        "TRANSACTION_ACTIVATION_REQUESTED_EVENT",
	Activated:                  "TRANSACTION_ACTIVATED_EVENT",
	AuthorizationRequested:     "TRANSACTION_AUTHORIZATION_REQUESTED_EVENT",
	AuthorizationStatusUpdated: "TRANSACTION_AUTHORIZATION_STATUS_UPDATED_EVENT",
	ClosureSent:                "TRANSACTION_CLOSURE_SENT_EVENT",
	ClosureError:               "TRANSACTION_CLOSURE_ERROR_EVENT",
	UserReceiptAdded:           "TRANSACTION_USER_RECEIPT_ADDED_EVENT",
	Expired:                    "TRANSACTION_EXPIRED_EVENT",
}

var codesByName = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for c := ActivationRequested; c < codeSentinel; c++ {
		m[codeNames[c]] = c
	}
	return m
}()

// Codes returns every valid code in declaration order.
func Codes() []Code {
	out := make([]Code, 0, int(codeSentinel)-1)
	for c := ActivationRequested; c < codeSentinel; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCode returns the code whose wire string is s.
func ParseCode(s string) (Code, error) {
	c, ok := codesByName[s]
	if !ok {
		return codeInvalid, fmt.Errorf("%w: %q", ErrUnknownCode, s)
	}
	return c, nil
}

// Valid reports whether c is a member of the closed set.
func (c Code) Valid() bool {
	return c > codeInvalid && c < codeSentinel
}

// String returns the wire string. Invalid codes render as "Code(n)".
func (c Code) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Creates reports whether an event with this code may create a view for a
// transaction id that has none yet.
func (c Code) Creates() bool {
	return c == ActivationRequested || c == Activated
}

// MarshalText implements encoding.TextMarshaler.
func (c Code) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("marshal event code: %w: %d", ErrUnknownCode, int(c))
	}
	return []byte(codeNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Code) UnmarshalText(text []byte) error {
	parsed, err := ParseCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
