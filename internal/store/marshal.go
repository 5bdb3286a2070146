package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamps are stored as fixed-width RFC 3339 TEXT in UTC, so lexical
// order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// marshalPayload converts an event payload to nullable TEXT. An absent
// payload is stored as NULL so it reads back as nil.
func marshalPayload(payload json.RawMessage) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	if !json.Valid(payload) {
		return sql.NullString{}, fmt.Errorf("marshal payload: invalid JSON")
	}
	return sql.NullString{String: string(payload), Valid: true}, nil
}

func unmarshalPayload(data sql.NullString) json.RawMessage {
	if !data.Valid || data.String == "" {
		return nil
	}
	return json.RawMessage(data.String)
}
