// Package view holds the transaction read model and the storage port the
// projector writes it through.
//
// A TransactionView is the only mutable, persisted entity in the engine.
// It is guarded by optimistic concurrency: every successful Save bumps
// Version, and Save only succeeds when the stored version still equals the
// version the caller loaded.
package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/txlife/internal/lifecycle"
)

var (
	// ErrNotFound is returned when no view exists for a transaction id.
	ErrNotFound = errors.New("transaction view not found")

	// ErrVersionConflict is returned by Save when another writer advanced
	// the view since it was loaded.
	ErrVersionConflict = errors.New("transaction view version conflict")
)

// TransactionView is the current state of one transaction.
type TransactionView struct {
	TransactionID             string           `json:"transactionId"`
	Status                    lifecycle.Status `json:"status"`
	LastAppliedSequenceNumber int64            `json:"lastAppliedSequenceNumber"`
	Version                   int64            `json:"version"`
	UpdatedAt                 time.Time        `json:"updatedAt"`
}

// Fresh returns the unsaved view a creating event is applied to.
func Fresh(transactionID string) TransactionView {
	return TransactionView{
		TransactionID: transactionID,
		Status:        lifecycle.StatusNew,
	}
}

// Exists reports whether the view has been persisted at least once.
func (v TransactionView) Exists() bool {
	return v.Version > 0
}

// Advance returns the view after an accepted transition to status by the
// event with sequence number seq. The receiver is not modified.
func (v TransactionView) Advance(status lifecycle.Status, seq int64, at time.Time) TransactionView {
	next := v
	next.Status = status
	next.LastAppliedSequenceNumber = seq
	next.Version = v.Version + 1
	next.UpdatedAt = at
	return next
}

// Reader is the read-only query side of the repository.
type Reader interface {
	// FindByTransactionID returns the view or ErrNotFound.
	FindByTransactionID(ctx context.Context, transactionID string) (TransactionView, error)
}

// Repository is the storage port required by the projector.
type Repository interface {
	Reader

	// Save persists v if the stored version equals expectedVersion and
	// returns the new version. expectedVersion 0 means "insert": it fails
	// with ErrVersionConflict if a row already exists.
	Save(ctx context.Context, v TransactionView, expectedVersion int64) (int64, error)
}

type transientError struct {
	cause error
}

func (e transientError) Error() string {
	if e.cause == nil {
		return "transient storage error"
	}
	return e.cause.Error()
}

func (e transientError) Unwrap() error {
	return e.cause
}

// Transient marks a storage error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{cause: err}
}

// IsTransient reports whether err is a retryable storage failure: marked
// with Transient, or a storage call that ran out of time.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var target transientError
	if errors.As(err, &target) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CheckSave validates the arguments of a Save call. Implementations call it
// before touching storage.
func CheckSave(v TransactionView, expectedVersion int64) error {
	if v.TransactionID == "" {
		return fmt.Errorf("save view: transaction id is required")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("save view: negative expected version %d", expectedVersion)
	}
	if !v.Status.Valid() || v.Status == lifecycle.StatusNew {
		return fmt.Errorf("save view: cannot persist status %q", v.Status)
	}
	return nil
}
