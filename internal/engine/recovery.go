package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// recoverOrphans re-arms running tasks whose worker stopped heartbeating.
// An orphan is never re-run in place: it goes through the same retryable
// failure path as an operator error, conditional on the version read here,
// so a late result from the lost worker is dropped.
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	now := d.now()
	if err := d.recoverStranded(ctx, now); err != nil {
		return err
	}
	orphans, err := d.store.ListOrphaned(ctx, now.Add(-d.config.WorkerTTL))
	if err != nil {
		return err
	}

	attempts := map[int64]*store.Attempt{}
	for _, t := range orphans {
		if t.WorkerID == d.worker.ID {
			continue
		}
		a, ok := attempts[t.AttemptID]
		if !ok {
			if a, err = d.store.GetAttempt(ctx, t.AttemptID); err != nil {
				return err
			}
			attempts[t.AttemptID] = a
		}

		lost := t.WorkerID
		cause := schema.NewErrorf(schema.ErrCodeWorkerLost, "worker %s stopped heartbeating while running the task", lost).
			WithDetails(map[string]any{"worker_id": lost})
		m, err := d.orphanMutation(t.Clone(), a.CancelRequested, cause, now)
		if err != nil {
			return err
		}
		err = d.apply(ctx, m)
		if errors.Is(err, schema.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		d.metrics.orphans.Inc()
		logging.LogWith(logging.WithTask(ctx, t.AttemptID, t.ID), d.logger).
			Warn("recovered task from dead worker", "task", t.FullName, "dead_worker", t.WorkerID, "state", m.Updates[0].State)
	}
	return nil
}

// recoverStranded re-arms claims held by this worker that no pool slot is
// executing, such as a claim whose release write failed. Tick runs it before
// claiming, so every claim of this worker is either in the pool or stranded.
func (d *Dispatcher) recoverStranded(ctx context.Context, now time.Time) error {
	claimed, err := d.store.ListClaimedBy(ctx, d.worker.ID)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	running := d.pool.Running()
	for _, t := range claimed {
		if slices.Contains(running, t.ID) {
			continue
		}
		a, err := d.store.GetAttempt(ctx, t.AttemptID)
		if err != nil {
			return err
		}
		cause := schema.NewErrorf(schema.ErrCodeWorkerLost, "claim of worker %s was not being executed", d.worker.ID).
			WithDetails(map[string]any{"worker_id": d.worker.ID})
		m, err := d.orphanMutation(t.Clone(), a.CancelRequested, cause, now)
		if err != nil {
			return err
		}
		err = d.apply(ctx, m)
		if errors.Is(err, schema.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		d.metrics.orphans.Inc()
		logging.LogWith(logging.WithTask(ctx, t.AttemptID, t.ID), d.logger).
			Warn("re-armed stranded claim", "task", t.FullName, "state", m.Updates[0].State)
	}
	return nil
}

func (d *Dispatcher) orphanMutation(t *store.Task, canceled bool, cause *schema.Error, now time.Time) (*store.TaskMutation, error) {
	lost := t.WorkerID
	m := &store.TaskMutation{Updates: []*store.Task{t}}
	t.WorkerID = ""

	if canceled {
		ev, err := transition(t, TriggerKill, now, map[string]any{"dead_worker": lost})
		if err != nil {
			return nil, err
		}
		t.NotBefore = time.Time{}
		m.Events = append(m.Events, ev)
		return m, nil
	}

	m, err := d.failMutation(t, m, cause, true, now)
	if err != nil {
		return nil, err
	}
	m.Events = append(m.Events, &store.TaskEvent{
		AttemptID: t.AttemptID, TaskID: t.ID, Type: schema.EventTaskRecovered,
		Payload: map[string]any{"dead_worker": lost}, CreatedAt: now,
	})
	return m, nil
}
