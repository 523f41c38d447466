package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendis/flowctl/pkg/schema"
)

// CreateAttempt creates the session if needed, the attempt, and its initial
// task rows in one transaction. A second active attempt on the same session
// fails with schema.ErrConflict; the unique index on active_session_id is
// the final arbiter when two callers race.
func (s *SQLStore) CreateAttempt(ctx context.Context, req *NewAttempt, tasks []NewTask) (*Attempt, error) {
	params, err := docString(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal attempt params: %w", err)
	}
	selector, err := jsonOrNull(req.RetrySelector)
	if err != nil {
		return nil, fmt.Errorf("marshal retry selector: %w", err)
	}
	if req.RetrySelector == nil {
		selector = nil
	}

	now := s.now()
	var attemptID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		sessionID, err := s.sessionID(ctx, tx, req.ProjectID, req.WorkflowName, req.SessionTime)
		if err != nil {
			return err
		}

		row, err := queryRowBuilder(ctx, tx, s.sb.Select("COUNT(*)").From("attempts").
			Where(sq.Eq{"active_session_id": sessionID}))
		if err != nil {
			return err
		}
		var active int
		if err := row.Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return activeAttemptConflict(req)
		}

		attemptID, err = insertReturningID(ctx, tx, s.sb.Insert("attempts").
			Columns("session_id", "workflow_id", "project_id", "site_id", "name", "params",
				"active_session_id", "retry_of", "retry_selector", "created_at").
			Values(sessionID, req.WorkflowID, req.ProjectID, req.SiteID, req.Name, params,
				sessionID, nullID(req.RetryOf), selector, toMillis(now)))
		if isUniqueViolation(err) {
			return activeAttemptConflict(req)
		}
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}

		if _, err := s.insertTasks(ctx, tx, attemptID, tasks); err != nil {
			return err
		}
		return s.appendEvents(ctx, tx, []*TaskEvent{{
			AttemptID: attemptID,
			Type:      schema.EventAttemptStarted,
			Payload:   map[string]any{"retry_of": req.RetryOf, "tasks": len(tasks)},
			CreatedAt: now,
		}})
	})
	if err != nil {
		return nil, err
	}
	return s.GetAttempt(ctx, attemptID)
}

func activeAttemptConflict(req *NewAttempt) error {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"session %s@%s already has an active attempt", req.WorkflowName, req.SessionTime.Format(time.RFC3339)).
		WithDetails(map[string]any{"workflow": req.WorkflowName, "session_time": req.SessionTime})
}

func (s *SQLStore) attemptSelect() sq.SelectBuilder {
	return s.sb.Select(
		"a.id", "a.session_id", "a.workflow_id", "a.project_id", "a.site_id",
		"s.workflow_name", "s.session_time", "a.name", "a.params",
		"a.done", "a.success", "a.cancel_requested", "a.retry_of", "a.retry_selector",
		"a.created_at", "a.finished_at",
	).From("attempts a").Join("sessions s ON s.id = a.session_id")
}

func scanAttempt(row interface{ Scan(dest ...any) error }) (*Attempt, error) {
	a := &Attempt{}
	var (
		sessionTime, created     int64
		params                   string
		done, success, cancelReq int
		retryOf, finished        sql.NullInt64
		selector                 sql.NullString
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.WorkflowID, &a.ProjectID, &a.SiteID,
		&a.WorkflowName, &sessionTime, &a.Name, &params,
		&done, &success, &cancelReq, &retryOf, &selector, &created, &finished); err != nil {
		return nil, err
	}
	var err error
	if a.Params, err = parseDoc(params); err != nil {
		return nil, fmt.Errorf("attempt %d params: %w", a.ID, err)
	}
	if selector.Valid && selector.String != "" {
		a.RetrySelector = &schema.RetrySelector{}
		if err := json.Unmarshal([]byte(selector.String), a.RetrySelector); err != nil {
			return nil, fmt.Errorf("attempt %d retry selector: %w", a.ID, err)
		}
	}
	a.SessionTime = fromMillis(sessionTime)
	a.CreatedAt = fromMillis(created)
	a.FinishedAt = millisPtr(finished)
	a.Done = done != 0
	a.Success = success != 0
	a.CancelRequested = cancelReq != 0
	a.RetryOf = retryOf.Int64
	return a, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id int64) (*Attempt, error) {
	row, err := queryRowBuilder(ctx, s.db, s.attemptSelect().Where(sq.Eq{"a.id": id}))
	if err != nil {
		return nil, err
	}
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("attempt", id)
	}
	return a, err
}

func (s *SQLStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*Attempt, error) {
	b := s.attemptSelect().OrderBy("a.id DESC")
	if filter.ProjectID != 0 {
		b = b.Where(sq.Eq{"a.project_id": filter.ProjectID})
	}
	if filter.WorkflowName != "" {
		b = b.Where(sq.Eq{"s.workflow_name": filter.WorkflowName})
	}
	if filter.SessionID != 0 {
		b = b.Where(sq.Eq{"a.session_id": filter.SessionID})
	}
	if filter.Done != nil {
		b = b.Where(sq.Eq{"a.done": b2i(*filter.Done)})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	return s.listAttempts(ctx, b)
}

// ListActiveAttempts returns every attempt that is not done, oldest first.
func (s *SQLStore) ListActiveAttempts(ctx context.Context) ([]*Attempt, error) {
	return s.listAttempts(ctx, s.attemptSelect().Where(sq.Eq{"a.done": 0}).OrderBy("a.id"))
}

func (s *SQLStore) listAttempts(ctx context.Context, b sq.SelectBuilder) ([]*Attempt, error) {
	rows, err := queryBuilder(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RequestCancel marks an unfinished attempt for cancellation. Repeating it is
// a no-op; a finished attempt yields ErrConflict.
func (s *SQLStore) RequestCancel(ctx context.Context, attemptID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := execBuilder(ctx, tx, s.sb.Update("attempts").
			Set("cancel_requested", 1).
			Where(sq.Eq{"id": attemptID, "done": 0, "cancel_requested": 0}))
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return s.appendEvents(ctx, tx, []*TaskEvent{{
				AttemptID: attemptID, Type: schema.EventAttemptKillReq, CreatedAt: s.now(),
			}})
		}

		row, err := queryRowBuilder(ctx, tx, s.sb.Select("done").From("attempts").Where(sq.Eq{"id": attemptID}))
		if err != nil {
			return err
		}
		var done int
		if err := row.Scan(&done); errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("attempt", attemptID)
		} else if err != nil {
			return err
		}
		if done != 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "attempt %d is already done", attemptID)
		}
		return nil
	})
}

// FinishAttempt closes an attempt and frees its session for a new one.
func (s *SQLStore) FinishAttempt(ctx context.Context, attemptID int64, success bool, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := execBuilder(ctx, tx, s.sb.Update("attempts").
			Set("done", 1).
			Set("success", b2i(success)).
			Set("finished_at", toMillis(at)).
			Set("active_session_id", nil).
			Where(sq.Eq{"id": attemptID, "done": 0}))
		if err != nil {
			return fmt.Errorf("finish attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "attempt %d already finished", attemptID)
		}
		eventType := schema.EventAttemptFailed
		if success {
			eventType = schema.EventAttemptSucceeded
		}
		return s.appendEvents(ctx, tx, []*TaskEvent{{AttemptID: attemptID, Type: eventType, CreatedAt: at}})
	})
}
