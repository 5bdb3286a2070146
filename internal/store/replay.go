package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/txlife/internal/event"
)

// ListEvents returns the journaled events of a transaction ordered by
// sequence number. Returns an empty slice (not nil) when none exist.
func (s *Store) ListEvents(ctx context.Context, transactionID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, sequence_number, event_code, occurred_at, payload
		FROM events
		WHERE transaction_id = ?
		ORDER BY sequence_number ASC
	`, transactionID)
	if err != nil {
		return nil, wrap("query events", err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var (
			ev         event.Event
			code       string
			occurredAt string
			payload    sql.NullString
		)
		if err := rows.Scan(&ev.TransactionID, &ev.SequenceNumber, &code, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Code, err = event.ParseCode(code); err != nil {
			return nil, fmt.Errorf("scan event %s/%d: %w", ev.TransactionID, ev.SequenceNumber, err)
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("scan event %s/%d: %w", ev.TransactionID, ev.SequenceNumber, err)
		}
		ev.Payload = unmarshalPayload(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListTransactionIDs returns every transaction id that has journaled events
// or a stored view, ordered by id. Ids present on only one side are included
// so a replay can report them as drift.
func (s *Store) ListTransactionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id FROM events
		UNION
		SELECT transaction_id FROM views
		ORDER BY 1 COLLATE BINARY
	`)
	if err != nil {
		return nil, wrap("list transaction ids", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction ids: %w", err)
	}
	return ids, nil
}
