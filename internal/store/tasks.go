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

var taskColumns = []string{
	"t.id", "t.attempt_id", "t.parent_id", "t.full_name", "t.upstreams", "t.state", "t.operator",
	"t.definition", "t.config", "t.export_params", "t.store_params", "t.state_params",
	"t.retry_count", "t.generation", "t.superseded", "t.is_group", "t.error", "t.not_before",
	"t.worker_id", "t.version", "t.started_at", "t.updated_at",
}

func (s *SQLStore) taskSelect() sq.SelectBuilder {
	return s.sb.Select(taskColumns...).From("tasks t")
}

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	t := &Task{}
	var (
		parentID, startedAt                  sql.NullInt64
		upstreams, state, definition, config string
		exportP, storeP, stateP              string
		superseded, isGroup                  int
		errJSON, workerID                    sql.NullString
		notBefore, updatedAt                 int64
	)
	if err := row.Scan(&t.ID, &t.AttemptID, &parentID, &t.FullName, &upstreams, &state, &t.Operator,
		&definition, &config, &exportP, &storeP, &stateP,
		&t.RetryCount, &t.Generation, &superseded, &isGroup, &errJSON, &notBefore,
		&workerID, &t.Version, &startedAt, &updatedAt); err != nil {
		return nil, err
	}

	t.ParentID = parentID.Int64
	t.State = schema.TaskState(state)
	t.Superseded = superseded != 0
	t.IsGroup = isGroup != 0
	t.NotBefore = fromMillis(notBefore)
	t.WorkerID = workerID.String
	t.StartedAt = millisPtr(startedAt)
	t.UpdatedAt = fromMillis(updatedAt)

	if err := json.Unmarshal([]byte(upstreams), &t.Upstreams); err != nil {
		return nil, fmt.Errorf("task %d upstreams: %w", t.ID, err)
	}
	t.Definition = &schema.TaskDefinition{}
	if err := json.Unmarshal([]byte(definition), t.Definition); err != nil {
		return nil, fmt.Errorf("task %d definition: %w", t.ID, err)
	}
	var err error
	if t.Config, err = parseDoc(config); err != nil {
		return nil, fmt.Errorf("task %d config: %w", t.ID, err)
	}
	if t.ExportParams, err = parseDoc(exportP); err != nil {
		return nil, fmt.Errorf("task %d export params: %w", t.ID, err)
	}
	if t.StoreParams, err = parseDoc(storeP); err != nil {
		return nil, fmt.Errorf("task %d store params: %w", t.ID, err)
	}
	if t.StateParams, err = parseDoc(stateP); err != nil {
		return nil, fmt.Errorf("task %d state params: %w", t.ID, err)
	}
	if errJSON.Valid && errJSON.String != "" {
		t.Error = &schema.Error{}
		if err := json.Unmarshal([]byte(errJSON.String), t.Error); err != nil {
			return nil, fmt.Errorf("task %d error: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *SQLStore) listTasks(ctx context.Context, q querier, b sq.SelectBuilder) ([]*Task, error) {
	rows, err := queryBuilder(ctx, q, b)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	row, err := queryRowBuilder(ctx, s.db, s.taskSelect().Where(sq.Eq{"t.id": id}))
	if err != nil {
		return nil, err
	}
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// ListTasks returns every row of an attempt, superseded ones included, in id order.
func (s *SQLStore) ListTasks(ctx context.Context, attemptID int64) ([]*Task, error) {
	return s.listTasks(ctx, s.db, s.taskSelect().Where(sq.Eq{"t.attempt_id": attemptID}).OrderBy("t.id"))
}

// ListClaimable returns tasks a worker may claim now, FIFO by id: ready tasks
// of attempts that are not being killed, and poll-suspended running tasks
// whose timer elapsed. Suspended tasks of killed attempts are included so the
// operator can observe the cancellation once.
func (s *SQLStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	b := s.taskSelect().
		Join("attempts a ON a.id = t.attempt_id").
		Where(sq.Eq{"a.done": 0, "t.superseded": 0}).
		Where(sq.LtOrEq{"t.not_before": toMillis(now)}).
		Where(sq.Or{
			sq.Eq{"t.state": string(schema.TaskReady), "a.cancel_requested": 0},
			sq.Eq{"t.state": string(schema.TaskRunning), "t.worker_id": nil},
		}).
		OrderBy("t.id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.listTasks(ctx, s.db, b)
}

// ListOrphaned returns running tasks claimed by workers whose heartbeat is
// older than heartbeatBefore or that never registered.
func (s *SQLStore) ListOrphaned(ctx context.Context, heartbeatBefore time.Time) ([]*Task, error) {
	b := s.taskSelect().
		LeftJoin("workers w ON w.id = t.worker_id").
		Where(sq.Eq{"t.state": string(schema.TaskRunning)}).
		Where(sq.NotEq{"t.worker_id": nil}).
		Where(sq.Or{
			sq.Eq{"w.id": nil},
			sq.Lt{"w.heartbeat_at": toMillis(heartbeatBefore)},
		}).
		OrderBy("t.id")
	return s.listTasks(ctx, s.db, b)
}

// ListClaimedBy returns running tasks whose claim is held by workerID.
func (s *SQLStore) ListClaimedBy(ctx context.Context, workerID string) ([]*Task, error) {
	b := s.taskSelect().
		Where(sq.Eq{"t.state": string(schema.TaskRunning), "t.worker_id": workerID}).
		OrderBy("t.id")
	return s.listTasks(ctx, s.db, b)
}

// ApplyTaskMutation writes updates, inserts and events atomically. Versions
// on updated tasks are bumped only after a successful commit; inserted tasks
// get their generated ids.
func (s *SQLStore) ApplyTaskMutation(ctx context.Context, m *TaskMutation) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range m.Updates {
			if err := s.updateTask(ctx, tx, t, now, m.LiveAttempt); err != nil {
				return err
			}
		}
		if len(m.Inserts) > 0 {
			attemptID := m.Inserts[0].Task.AttemptID
			if _, err := s.insertTasks(ctx, tx, attemptID, m.Inserts); err != nil {
				return err
			}
		}
		return s.appendEvents(ctx, tx, m.Events)
	})
	if err != nil {
		return err
	}

	for _, t := range m.Updates {
		t.Version++
		t.UpdatedAt = now
	}
	return nil
}

func (s *SQLStore) updateTask(ctx context.Context, tx *sql.Tx, t *Task, now time.Time, liveAttempt bool) error {
	exportP, err := docString(t.ExportParams)
	if err != nil {
		return fmt.Errorf("marshal export params: %w", err)
	}
	storeP, err := docString(t.StoreParams)
	if err != nil {
		return fmt.Errorf("marshal store params: %w", err)
	}
	stateP, err := docString(t.StateParams)
	if err != nil {
		return fmt.Errorf("marshal state params: %w", err)
	}
	var errJSON any
	if t.Error != nil {
		if errJSON, err = jsonOrNull(t.Error); err != nil {
			return fmt.Errorf("marshal task error: %w", err)
		}
	}

	update := s.sb.Update("tasks").
		Set("state", string(t.State)).
		Set("worker_id", nullStr(t.WorkerID)).
		Set("not_before", toMillis(t.NotBefore)).
		Set("export_params", exportP).
		Set("store_params", storeP).
		Set("state_params", stateP).
		Set("retry_count", t.RetryCount).
		Set("superseded", b2i(t.Superseded)).
		Set("is_group", b2i(t.IsGroup)).
		Set("error", errJSON).
		Set("started_at", nullMillis(t.StartedAt)).
		Set("updated_at", toMillis(now)).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": t.ID, "version": t.Version})
	if liveAttempt {
		update = update.Where("NOT EXISTS (SELECT 1 FROM attempts WHERE attempts.id = tasks.attempt_id AND attempts.cancel_requested <> 0)")
	}
	res, err := execBuilder(ctx, tx, update)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if liveAttempt {
			return schema.NewErrorf(schema.ErrCodeConflict, "task %d changed since version %d or its attempt is being killed", t.ID, t.Version).WithTask(t.ID)
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "task %d changed since version %d", t.ID, t.Version).WithTask(t.ID)
	}
	return nil
}

// insertTasks inserts rows in order, resolving batch-local parent and
// upstream indexes to the generated ids.
func (s *SQLStore) insertTasks(ctx context.Context, tx *sql.Tx, attemptID int64, tasks []NewTask) ([]int64, error) {
	ids := make([]int64, len(tasks))
	now := toMillis(s.now())
	for i, nt := range tasks {
		t := nt.Task
		parentID := t.ParentID
		if nt.ParentIndex >= 0 {
			if nt.ParentIndex >= i {
				return nil, fmt.Errorf("task %q: parent index %d not inserted yet", t.FullName, nt.ParentIndex)
			}
			parentID = ids[nt.ParentIndex]
		}
		upstreams := append([]int64(nil), t.Upstreams...)
		for _, idx := range nt.UpstreamIndexes {
			if idx < 0 || idx >= i {
				return nil, fmt.Errorf("task %q: upstream index %d not inserted yet", t.FullName, idx)
			}
			upstreams = append(upstreams, ids[idx])
		}
		if upstreams == nil {
			upstreams = []int64{}
		}

		upJSON, err := json.Marshal(upstreams)
		if err != nil {
			return nil, err
		}
		def := t.Definition
		if def == nil {
			def = &schema.TaskDefinition{}
		}
		defJSON, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("marshal task definition: %w", err)
		}
		config, err := docString(t.Config)
		if err != nil {
			return nil, err
		}
		exportP, err := docString(t.ExportParams)
		if err != nil {
			return nil, err
		}
		storeP, err := docString(t.StoreParams)
		if err != nil {
			return nil, err
		}

		id, err := insertReturningID(ctx, tx, s.sb.Insert("tasks").
			Columns("attempt_id", "parent_id", "full_name", "upstreams", "state", "operator",
				"definition", "config", "export_params", "store_params", "state_params",
				"retry_count", "generation", "is_group", "not_before", "updated_at").
			Values(attemptID, nullID(parentID), t.FullName, string(upJSON), string(t.State), t.Operator,
				string(defJSON), config, exportP, storeP, "{}",
				t.RetryCount, t.Generation, b2i(t.IsGroup), toMillis(t.NotBefore), now))
		if err != nil {
			return nil, fmt.Errorf("insert task %q: %w", t.FullName, err)
		}
		ids[i] = id
		t.ID = id
		t.ParentID = parentID
		t.Upstreams = upstreams
		t.AttemptID = attemptID
	}
	return ids, nil
}
