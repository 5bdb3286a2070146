package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidEvent is returned by Validate for malformed events.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one immutable fact about a transaction, as delivered upstream.
type Event struct {
	TransactionID  string          `json:"transactionId"`
	Code           Code            `json:"eventCode"`
	OccurredAt     time.Time       `json:"creationDate"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"data,omitempty"`
}

// Validate checks the fields the engine relies on.
// The payload is opaque and never inspected here.
func (e Event) Validate() error {
	if strings.TrimSpace(e.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidEvent)
	}
	if !e.Code.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, e.Code)
	}
	if e.SequenceNumber < 1 {
		return fmt.Errorf("%w: sequence number %d must be >= 1", ErrInvalidEvent, e.SequenceNumber)
	}
	return nil
}

// NormalizeID returns the canonical form of a transaction id: surrounding
// whitespace removed and NFC-normalized, so visually identical ids key the
// same view.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Outcome is the authorization or notification outcome carried in a payload.
type Outcome string

const (
	OutcomeUnknown Outcome = ""
	OutcomeOK      Outcome = "OK"
	OutcomeKO      Outcome = "KO"
)

// outcomePaths are checked in order; upstream producers have used both.
var outcomePaths = []string{"outcome", "authorizationResult"}

// AuthorizationOutcome extracts the outcome from the payload without
// decoding it. Missing or unrecognized values yield OutcomeUnknown.
func (e Event) AuthorizationOutcome() Outcome {
	if len(e.Payload) == 0 || !gjson.ValidBytes(e.Payload) {
		return OutcomeUnknown
	}
	for _, path := range outcomePaths {
		res := gjson.GetBytes(e.Payload, path)
		if !res.Exists() {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(res.String())) {
		case "OK", "EXECUTED", "AUTHORIZED":
			return OutcomeOK
		case "KO", "DECLINED", "DENIED":
			return OutcomeKO
		}
	}
	return OutcomeUnknown
}
