package dispatcher

import (
	"errors"
	"fmt"

	"github.com/roach88/txlife/internal/feed"
)

// ErrSourceClosed ends the dispatch loop once the source is exhausted.
var ErrSourceClosed = feed.ErrClosed

// errConflict marks an attempt that lost the version compare-and-swap.
var errConflict = errors.New("view version conflict")

// FatalCode categorizes deliveries the dispatcher gives up on.
type FatalCode string

const (
	// FatalMalformed means the message body could not be decoded.
	FatalMalformed FatalCode = "MALFORMED"

	// FatalConflictsExhausted means every conflict retry lost the race.
	FatalConflictsExhausted FatalCode = "CONFLICTS_EXHAUSTED"

	// FatalStorageExhausted means transient storage failures outlasted the
	// retry budget.
	FatalStorageExhausted FatalCode = "STORAGE_EXHAUSTED"

	// FatalStorage means a non-retryable storage failure.
	FatalStorage FatalCode = "STORAGE"
)

// FatalError is a delivery that will not be retried by the dispatcher.
type FatalError struct {
	Code          FatalCode
	DeliveryID    string
	TransactionID string
	Sequence      int64
	Attempts      int
	Err           error
}

func (e *FatalError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("%s: %v (delivery=%s, tx=%s, seq=%d, attempts=%d)",
			e.Code, e.Err, e.DeliveryID, e.TransactionID, e.Sequence, e.Attempts)
	}
	return fmt.Sprintf("%s: %v (delivery=%s)", e.Code, e.Err, e.DeliveryID)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a FatalError. Uses errors.As to handle
// wrapped errors.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FatalCodeOf returns the code of a FatalError, or "" for other errors.
func FatalCodeOf(err error) FatalCode {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func newFatal(code FatalCode, d feed.Delivery, attempts int, err error) *FatalError {
	return &FatalError{
		Code:          code,
		DeliveryID:    d.ID,
		TransactionID: d.Event.TransactionID,
		Sequence:      d.Event.SequenceNumber,
		Attempts:      attempts,
		Err:           err,
	}
}
