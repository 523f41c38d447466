package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// appendEvents writes audit entries inside the caller's transaction so the
// log never disagrees with the task table.
func (s *SQLStore) appendEvents(ctx context.Context, tx *sql.Tx, events []*TaskEvent) error {
	if len(events) == 0 {
		return nil
	}
	b := s.sb.Insert("task_events").
		Columns("attempt_id", "task_id", "event_type", "from_state", "to_state", "payload", "created_at")
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		var payload any
		if len(e.Payload) > 0 {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			payload = string(raw)
		}
		b = b.Values(e.AttemptID, e.TaskID, e.Type, e.From, e.To, payload, toMillis(e.CreatedAt))
	}
	if _, err := execBuilder(ctx, tx, b); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// ListTaskEvents returns the events of an attempt with id > sinceID, oldest first.
func (s *SQLStore) ListTaskEvents(ctx context.Context, attemptID, sinceID int64) ([]*TaskEvent, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.
		Select("id", "attempt_id", "task_id", "event_type", "from_state", "to_state", "payload", "created_at").
		From("task_events").
		Where(sq.Eq{"attempt_id": attemptID}).
		Where(sq.Gt{"id": sinceID}).
		OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		e := &TaskEvent{}
		var (
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.TaskID, &e.Type, &e.From, &e.To, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
