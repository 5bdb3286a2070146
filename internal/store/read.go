package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/view"
)

const viewColumns = `transaction_id, status, last_applied_sequence_number, version, updated_at`

// FindByTransactionID returns the stored view or view.ErrNotFound.
func (s *Store) FindByTransactionID(ctx context.Context, transactionID string) (view.TransactionView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+viewColumns+`
		FROM views
		WHERE transaction_id = ?
	`, transactionID)

	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return view.TransactionView{}, fmt.Errorf("find view %s: %w", transactionID, view.ErrNotFound)
	}
	if err != nil {
		return view.TransactionView{}, wrap("find view", err)
	}
	return v, nil
}

// ListStuck returns views in a transient status whose last update is older
// than before, oldest first. These are transactions an expiration sweep
// would have to close.
func (s *Store) ListStuck(ctx context.Context, before time.Time, limit int) ([]view.TransactionView, error) {
	var transient []any
	for _, st := range lifecycle.Statuses() {
		if lifecycle.IsTransient(st) {
			transient = append(transient, string(st))
		}
	}
	args := append(transient, formatTime(before), limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+viewColumns+`
		FROM views
		WHERE status IN (`+placeholders(len(transient))+`) AND updated_at < ?
		ORDER BY updated_at ASC, transaction_id COLLATE BINARY ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, wrap("list stuck views", err)
	}
	defer rows.Close()

	views := []view.TransactionView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate views: %w", err)
	}
	return views, nil
}

// CountByStatus returns the number of views per status. Statuses with no
// views are omitted.
func (s *Store) CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM views
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return nil, wrap("count views", err)
	}
	defer rows.Close()

	counts := make(map[lifecycle.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan view count: %w", err)
		}
		counts[lifecycle.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate view counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (view.TransactionView, error) {
	var (
		v         view.TransactionView
		status    string
		updatedAt string
	)
	if err := row.Scan(&v.TransactionID, &status, &v.LastAppliedSequenceNumber, &v.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return view.TransactionView{}, err
		}
		return view.TransactionView{}, fmt.Errorf("scan view: %w", err)
	}
	v.Status = lifecycle.Status(status)
	t, err := parseTime(updatedAt)
	if err != nil {
		return view.TransactionView{}, fmt.Errorf("scan view %s: %w", v.TransactionID, err)
	}
	v.UpdatedAt = t
	return v, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
