package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendis/flowctl/pkg/schema"
)

// PutSchedule creates or replaces the schedule of a workflow name. A changed
// cron expression resets next_run_at to the caller's value.
func (s *SQLStore) PutSchedule(ctx context.Context, sch *Schedule) (*Schedule, error) {
	now := s.now()
	_, err := execBuilder(ctx, s.db, s.sb.Insert("schedules").
		Columns("project_id", "workflow_name", "cron", "timezone", "next_run_at", "disabled", "created_at", "updated_at").
		Values(sch.ProjectID, sch.WorkflowName, sch.Cron, sch.Timezone, toMillis(sch.NextRunAt), b2i(sch.Disabled), toMillis(now), toMillis(now)).
		Suffix(`ON CONFLICT (project_id, workflow_name) DO UPDATE SET
			cron = excluded.cron, timezone = excluded.timezone, next_run_at = excluded.next_run_at,
			disabled = excluded.disabled, updated_at = excluded.updated_at`))
	if err != nil {
		return nil, fmt.Errorf("put schedule: %w", err)
	}
	row, err := queryRowBuilder(ctx, s.db, s.scheduleSelect().
		Where(sq.Eq{"project_id": sch.ProjectID, "workflow_name": sch.WorkflowName}))
	if err != nil {
		return nil, err
	}
	return scanSchedule(row)
}

func (s *SQLStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row, err := queryRowBuilder(ctx, s.db, s.scheduleSelect().Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *SQLStore) ListSchedules(ctx context.Context, projectID int64) ([]*Schedule, error) {
	b := s.scheduleSelect().OrderBy("id")
	if projectID != 0 {
		b = b.Where(sq.Eq{"project_id": projectID})
	}
	return s.listSchedules(ctx, b)
}

// ListDueSchedules returns enabled schedules whose next run is at or before now.
func (s *SQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.listSchedules(ctx, s.scheduleSelect().
		Where(sq.Eq{"disabled": 0}).
		Where(sq.LtOrEq{"next_run_at": toMillis(now)}).
		OrderBy("next_run_at", "id"))
}

// AdvanceSchedule moves next_run_at to next only if it still equals
// expectNext, so two schedulers never start the same slot twice. A zero
// sessionTime clears last_session_time.
func (s *SQLStore) AdvanceSchedule(ctx context.Context, id int64, expectNext, next, sessionTime time.Time) error {
	var last *time.Time
	if !sessionTime.IsZero() {
		last = &sessionTime
	}
	res, err := execBuilder(ctx, s.db, s.sb.Update("schedules").
		Set("next_run_at", toMillis(next)).
		Set("last_session_time", nullMillis(last)).
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"id": id, "next_run_at": toMillis(expectNext)}))
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %d already advanced", id)
	}
	return nil
}

func (s *SQLStore) scheduleSelect() sq.SelectBuilder {
	return s.sb.Select("id", "project_id", "workflow_name", "cron", "timezone", "next_run_at",
		"last_session_time", "disabled", "created_at", "updated_at").From("schedules")
}

func (s *SQLStore) listSchedules(ctx context.Context, b sq.SelectBuilder) ([]*Schedule, error) {
	rows, err := queryBuilder(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func scanSchedule(row interface{ Scan(dest ...any) error }) (*Schedule, error) {
	sch := &Schedule{}
	var (
		next, created, updated int64
		last                   sql.NullInt64
		disabled               int
	)
	if err := row.Scan(&sch.ID, &sch.ProjectID, &sch.WorkflowName, &sch.Cron, &sch.Timezone,
		&next, &last, &disabled, &created, &updated); err != nil {
		return nil, err
	}
	sch.NextRunAt = fromMillis(next)
	sch.LastSessionTime = millisPtr(last)
	sch.Disabled = disabled != 0
	sch.CreatedAt = fromMillis(created)
	sch.UpdatedAt = fromMillis(updated)
	return sch, nil
}
