package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/projector"
)

// AnomalyKind classifies an anomaly row.
type AnomalyKind string

const (
	AnomalyRejected AnomalyKind = "REJECTED"
	AnomalyConflict AnomalyKind = "CONFLICT"
	AnomalyFatal    AnomalyKind = "FATAL"
)

// Anomaly is one recorded dispatcher anomaly.
type Anomaly struct {
	ID             int64       `json:"id"`
	Kind           AnomalyKind `json:"kind"`
	TransactionID  string      `json:"transactionId,omitempty"`
	SequenceNumber int64       `json:"sequenceNumber,omitempty"`
	EventCode      string      `json:"eventCode,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Attempt        int         `json:"attempt,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// AnomalyRecorder is a dispatcher.Reporter that writes anomalies to the
// anomalies table. Write failures are logged, never returned: reporting
// must not change how a delivery is settled.
type AnomalyRecorder struct {
	store  *Store
	logger *slog.Logger
}

var _ dispatcher.Reporter = (*AnomalyRecorder)(nil)

// Anomalies returns a recorder writing to s. A nil logger means slog.Default().
func (s *Store) Anomalies(logger *slog.Logger) *AnomalyRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyRecorder{store: s, logger: logger}
}

// Rejected records a refused event.
func (r *AnomalyRecorder) Rejected(ctx context.Context, ev event.Event, res projector.Result) {
	r.record(ctx, Anomaly{
		Kind:           AnomalyRejected,
		TransactionID:  ev.TransactionID,
		SequenceNumber: ev.SequenceNumber,
		EventCode:      ev.Code.String(),
		Reason:         string(res.Reason),
		Detail:         string(res.View.Status),
	})
}

// Conflict records a lost version race.
func (r *AnomalyRecorder) Conflict(ctx context.Context, ev event.Event, attempt int) {
	r.record(ctx, Anomaly{
		Kind:           AnomalyConflict,
		TransactionID:  ev.TransactionID,
		SequenceNumber: ev.SequenceNumber,
		EventCode:      ev.Code.String(),
		Attempt:        attempt,
	})
}

// Fatal records a delivery the dispatcher gave up on.
func (r *AnomalyRecorder) Fatal(ctx context.Context, d feed.Delivery, err *dispatcher.FatalError) {
	a := Anomaly{
		Kind:           AnomalyFatal,
		TransactionID:  d.Event.TransactionID,
		SequenceNumber: d.Event.SequenceNumber,
		Reason:         string(err.Code),
		Attempt:        err.Attempts,
		Detail:         err.Error(),
	}
	if d.Event.Code.Valid() {
		a.EventCode = d.Event.Code.String()
	}
	r.record(ctx, a)
}

func (r *AnomalyRecorder) record(ctx context.Context, a Anomaly) {
	_, err := r.store.exec(context.WithoutCancel(ctx), "write anomaly", `
		INSERT INTO anomalies
		(kind, transaction_id, sequence_number, event_code, reason, attempt, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(a.Kind),
		a.TransactionID,
		a.SequenceNumber,
		a.EventCode,
		a.Reason,
		a.Attempt,
		a.Detail,
		formatTime(r.store.now()),
	)
	if err != nil {
		r.logger.Error("record anomaly failed", "kind", a.Kind, "transaction_id", a.TransactionID, "error", err)
	}
}

// ListAnomalies returns anomalies of a transaction in recording order.
// An empty transactionID lists all of them.
func (s *Store) ListAnomalies(ctx context.Context, transactionID string) ([]Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, transaction_id, sequence_number, event_code, reason, attempt, detail, created_at
		FROM anomalies
		WHERE ? = '' OR transaction_id = ?
		ORDER BY id ASC
	`, transactionID, transactionID)
	if err != nil {
		return nil, wrap("query anomalies", err)
	}
	defer rows.Close()

	anomalies := []Anomaly{}
	for rows.Next() {
		var (
			a         Anomaly
			kind      string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &kind, &a.TransactionID, &a.SequenceNumber, &a.EventCode,
			&a.Reason, &a.Attempt, &a.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Kind = AnomalyKind(kind)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan anomaly %d: %w", a.ID, err)
		}
		anomalies = append(anomalies, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomalies: %w", err)
	}
	return anomalies, nil
}
