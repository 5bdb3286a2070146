package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/feed"
)

// DeadLetter is a parked delivery.
type DeadLetter struct {
	ID             int64     `json:"id"`
	DeliveryID     string    `json:"deliveryId"`
	TransactionID  string    `json:"transactionId,omitempty"`
	SequenceNumber int64     `json:"sequenceNumber,omitempty"`
	FatalCode      string    `json:"fatalCode"`
	Error          string    `json:"error"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeadLetter parks a delivery the dispatcher gave up on. It implements
// dispatcher.FailureHandler.
func (s *Store) DeadLetter(ctx context.Context, d feed.Delivery, cause error) error {
	code := string(dispatcher.FatalCodeOf(cause))
	if code == "" {
		code = "UNKNOWN"
	}
	body := d.Body
	if body == nil {
		body = []byte{}
	}

	_, err := s.exec(ctx, "write dead letter", `
		INSERT INTO dead_letters
		(delivery_id, transaction_id, sequence_number, fatal_code, error, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.Event.TransactionID,
		d.Event.SequenceNumber,
		code,
		cause.Error(),
		body,
		formatTime(s.now()),
	)
	return err
}

// ListDeadLetters returns the most recent dead letters, newest first.
// limit <= 0 returns all of them.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, transaction_id, sequence_number, fatal_code, error, body, created_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrap("query dead letters", err)
	}
	defer rows.Close()

	letters := []DeadLetter{}
	for rows.Next() {
		var (
			dl        DeadLetter
			body      []byte
			createdAt string
		)
		if err := rows.Scan(&dl.ID, &dl.DeliveryID, &dl.TransactionID, &dl.SequenceNumber,
			&dl.FatalCode, &dl.Error, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Body = string(body)
		if dl.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter %d: %w", dl.ID, err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}
