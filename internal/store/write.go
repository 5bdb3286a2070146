package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/view"
)

// Save persists v with a compare-and-swap on version and returns the new
// version (expectedVersion+1).
//
// expectedVersion 0 inserts the row with ON CONFLICT DO NOTHING; any other
// value updates the row only while its version still equals
// expectedVersion. Zero affected rows returns view.ErrVersionConflict.
func (s *Store) Save(ctx context.Context, v view.TransactionView, expectedVersion int64) (int64, error) {
	return s.save(ctx, s.db, v, expectedVersion)
}

// SaveAndAppend saves v and journals ev in one transaction. Either both rows
// are written or neither is: a conflict or a cancelled ctx rolls the view
// write back. It implements projector.AtomicJournal.
func (s *Store) SaveAndAppend(ctx context.Context, v view.TransactionView, expectedVersion int64, ev event.Event) (version int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin save", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if version, err = s.save(ctx, tx, v, expectedVersion); err != nil {
		return 0, err
	}
	if err = s.appendEvent(ctx, tx, ev); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, wrap("commit save", err)
	}
	return version, nil
}

func (s *Store) save(ctx context.Context, ex execer, v view.TransactionView, expectedVersion int64) (int64, error) {
	if err := view.CheckSave(v, expectedVersion); err != nil {
		return 0, err
	}
	next := expectedVersion + 1
	updatedAt := formatTime(v.UpdatedAt)

	var (
		affected int64
		err      error
	)
	if expectedVersion == 0 {
		affected, err = execWith(ctx, ex, "insert view", `
			INSERT INTO views
			(transaction_id, status, last_applied_sequence_number, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(transaction_id) DO NOTHING
		`,
			v.TransactionID,
			string(v.Status),
			v.LastAppliedSequenceNumber,
			next,
			updatedAt,
		)
	} else {
		affected, err = execWith(ctx, ex, "update view", `
			UPDATE views
			SET status = ?, last_applied_sequence_number = ?, version = ?, updated_at = ?
			WHERE transaction_id = ? AND version = ?
		`,
			string(v.Status),
			v.LastAppliedSequenceNumber,
			next,
			updatedAt,
			v.TransactionID,
			expectedVersion,
		)
	}
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("save view %s at version %d: %w", v.TransactionID, expectedVersion, view.ErrVersionConflict)
	}
	return next, nil
}

// Append journals an applied event. Uses ON CONFLICT DO NOTHING on
// (transaction_id, sequence_number): appending the same event twice is a
// no-op.
func (s *Store) Append(ctx context.Context, ev event.Event) error {
	return s.appendEvent(ctx, s.db, ev)
}

func (s *Store) appendEvent(ctx context.Context, ex execer, ev event.Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = execWith(ctx, ex, "append event", `
		INSERT INTO events
		(transaction_id, sequence_number, event_code, occurred_at, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id, sequence_number) DO NOTHING
	`,
		event.NormalizeID(ev.TransactionID),
		ev.SequenceNumber,
		ev.Code.String(),
		formatTime(ev.OccurredAt),
		payload,
		formatTime(s.now()),
	)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exec runs a single statement and returns the affected row count.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	return execWith(ctx, s.db, op, query, args...)
}

func execWith(ctx context.Context, ex execer, op, query string, args ...any) (int64, error) {
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrap(op+": rows affected", err)
	}
	return n, nil
}
