package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/streaming"
	"github.com/rendis/flowctl/pkg/schema"
)

// progressAll advances every unfinished attempt.
func (d *Dispatcher) progressAll(ctx context.Context) error {
	attempts, err := d.store.ListActiveAttempts(ctx)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.progressAttempt(ctx, a); err != nil {
			if errors.Is(err, schema.ErrConflict) {
				// Another dispatcher moved first; the next tick sees its writes.
				continue
			}
			logging.LogWith(logging.WithAttemptID(ctx, a.ID), d.logger).Error("progress attempt", "error", err)
		}
	}
	return nil
}

// progressAttempt applies every transition that needs no operator: kill,
// elapsed timers, readiness, group resolution, and finally the attempt
// outcome. Each step is its own conditional mutation.
func (d *Dispatcher) progressAttempt(ctx context.Context, a *store.Attempt) error {
	rows, err := d.store.ListTasks(ctx, a.ID)
	if err != nil {
		return err
	}
	g := newAttemptGraph(rows)
	if g.root == nil {
		return d.finishAttempt(ctx, a, false)
	}

	if a.CancelRequested {
		return d.progressCanceled(ctx, a, g)
	}

	now := d.now()
	woke, err := d.wakeTimers(ctx, g, now)
	if err != nil {
		return err
	}
	if woke {
		if rows, err = d.store.ListTasks(ctx, a.ID); err != nil {
			return err
		}
		g = newAttemptGraph(rows)
	}
	if err := d.unblock(ctx, g, now); err != nil {
		return err
	}

	if g, err = d.resolveGroups(ctx, a, g); err != nil {
		return err
	}
	if g.root.State.Terminal() {
		return d.finishAttempt(ctx, a, g.root.State == schema.TaskSuccess)
	}
	return nil
}

// wakeTimers moves elapsed retry_waiting tasks to ready. An elapsed group
// retry also supersedes the group's old descendants, so the group creates
// fresh children when it runs again.
func (d *Dispatcher) wakeTimers(ctx context.Context, g *attemptGraph, now time.Time) (bool, error) {
	woke := false
	for _, t := range g.tasks {
		if !t.State.Waiting() || t.NotBefore.After(now) {
			continue
		}
		c := t.Clone()
		ev, err := transition(c, TriggerTimerElapsed, now, nil)
		if err != nil {
			return false, err
		}
		c.NotBefore = time.Time{}
		m := &store.TaskMutation{Updates: []*store.Task{c}, Events: []*store.TaskEvent{ev}}

		if t.State == schema.TaskGroupRetryWaiting {
			c.IsGroup = false
			for _, desc := range g.descendants(t) {
				dc := desc.Clone()
				dc.Superseded = true
				m.Updates = append(m.Updates, dc)
				m.Events = append(m.Events, &store.TaskEvent{
					AttemptID: dc.AttemptID, TaskID: dc.ID, Type: schema.EventTaskSuperseded,
					From: string(dc.State), To: string(dc.State),
					Payload: map[string]any{"group_id": t.ID, "generation": dc.Generation}, CreatedAt: now,
				})
			}
		}
		if err := d.apply(ctx, m); err != nil {
			return false, err
		}
		woke = true
	}
	return woke, nil
}

// unblock moves blocked tasks whose parent runs and whose upstreams all
// succeeded to ready.
func (d *Dispatcher) unblock(ctx context.Context, g *attemptGraph, now time.Time) error {
	var m store.TaskMutation
	for _, t := range g.tasks {
		if !g.readyToStart(t) {
			continue
		}
		c := t.Clone()
		ev, err := transition(c, TriggerDepsSatisfied, now, nil)
		if err != nil {
			return err
		}
		m.Updates = append(m.Updates, c)
		m.Events = append(m.Events, ev)
	}
	if len(m.Updates) == 0 {
		return nil
	}
	if err := d.apply(ctx, &m); err != nil {
		return err
	}
	for _, c := range m.Updates {
		*g.byID[c.ID] = *c
	}
	return nil
}

// resolveGroups settles planned groups whose children can no longer
// progress, deepest first, so a failing child group is resolved before its
// parent looks at it. The graph is reloaded after each change.
func (d *Dispatcher) resolveGroups(ctx context.Context, a *store.Attempt, g *attemptGraph) (*attemptGraph, error) {
	for changed := true; changed; {
		changed = false
		planned := plannedGroups(g)
		for _, grp := range planned {
			m, err := d.resolveGroup(g, grp, d.now())
			if err != nil {
				return nil, err
			}
			if m == nil {
				continue
			}
			if err := d.apply(ctx, m); err != nil {
				return nil, err
			}
			rows, err := d.store.ListTasks(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			g = newAttemptGraph(rows)
			changed = true
			break
		}
	}
	return g, nil
}

func plannedGroups(g *attemptGraph) []*store.Task {
	var out []*store.Task
	for _, t := range g.tasks {
		if t.State == schema.TaskPlanned {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(x, y *store.Task) int {
		switch {
		case x.ID > y.ID:
			return -1
		case x.ID < y.ID:
			return 1
		}
		return 0
	})
	return out
}

// resolveGroup returns the mutation that settles grp, or nil while any child
// can still make progress.
func (d *Dispatcher) resolveGroup(g *attemptGraph, grp *store.Task, now time.Time) (*store.TaskMutation, error) {
	children := g.children[grp.ID]
	dead := g.deadBlocked(grp)
	allSucceeded := true
	for _, c := range children {
		if c.State != schema.TaskSuccess {
			allSucceeded = false
		}
		if !c.State.Terminal() && !slices.Contains(dead, c) {
			return nil, nil
		}
	}

	m := &store.TaskMutation{}
	c := grp.Clone()
	if allSucceeded {
		ev, err := transition(c, TriggerChildrenSucceeded, now, map[string]any{"children": len(children)})
		if err != nil {
			return nil, err
		}
		m.Updates = append(m.Updates, c)
		m.Events = append(m.Events, ev)
		return m, nil
	}

	for _, child := range dead {
		for _, t := range append([]*store.Task{child}, g.descendants(child)...) {
			if t.State != schema.TaskBlocked {
				continue
			}
			dc := t.Clone()
			ev, err := transition(dc, TriggerKill, now, map[string]any{"reason": "upstream_failed"})
			if err != nil {
				return nil, err
			}
			m.Updates = append(m.Updates, dc)
			m.Events = append(m.Events, ev)
		}
	}

	policy := taskRetryPolicy(grp)
	failed := failedChildren(children)
	if hasRetryBudget(policy, grp.RetryCount) {
		delay := RetryBackoff(policy, grp.RetryCount)
		ev, err := transition(c, TriggerGroupRetry, now, map[string]any{
			"failed": failed, "retry_count": grp.RetryCount, "retry_in": delay.String(),
		})
		if err != nil {
			return nil, err
		}
		c.RetryCount++
		c.NotBefore = now.Add(delay)
		m.Updates = append(m.Updates, c)
		m.Events = append(m.Events, ev)
		return m, nil
	}

	ev, err := transition(c, TriggerGroupFailed, now, map[string]any{"failed": failed})
	if err != nil {
		return nil, err
	}
	c.Error = schema.NewErrorf(schema.ErrCodeOperatorFailed, "%d child task(s) failed", len(failed)).
		WithTask(c.ID).
		WithDetails(map[string]any{"failed": failed})
	m.Updates = append(m.Updates, c)
	m.Events = append(m.Events, ev)
	return m, nil
}

func failedChildren(children []*store.Task) []string {
	var out []string
	for _, c := range children {
		if c.State.Failed() {
			out = append(out, c.FullName)
		}
	}
	return out
}

// progressCanceled drains a killed attempt. Waiting tasks are canceled at
// once; suspended tasks are woken so their operator sees the cancellation;
// planned groups are canceled once their children settled.
func (d *Dispatcher) progressCanceled(ctx context.Context, a *store.Attempt, g *attemptGraph) error {
	now := d.now()
	var m store.TaskMutation
	for _, t := range g.tasks {
		switch {
		case t.State == schema.TaskBlocked || t.State == schema.TaskReady || t.State.Waiting():
			c := t.Clone()
			ev, err := transition(c, TriggerKill, now, nil)
			if err != nil {
				return err
			}
			c.NotBefore = time.Time{}
			m.Updates = append(m.Updates, c)
			m.Events = append(m.Events, ev)
		case t.State == schema.TaskRunning && t.WorkerID == "" && t.NotBefore.After(now):
			c := t.Clone()
			c.NotBefore = now
			m.Updates = append(m.Updates, c)
		}
	}
	if len(m.Updates) > 0 {
		if err := d.apply(ctx, &m); err != nil {
			return err
		}
		rows, err := d.store.ListTasks(ctx, a.ID)
		if err != nil {
			return err
		}
		g = newAttemptGraph(rows)
	}

	for changed := true; changed; {
		changed = false
		for _, grp := range plannedGroups(g) {
			if !allTerminal(g.children[grp.ID]) {
				continue
			}
			c := grp.Clone()
			ev, err := transition(c, TriggerKill, now, nil)
			if err != nil {
				return err
			}
			if err := d.apply(ctx, &store.TaskMutation{Updates: []*store.Task{c}, Events: []*store.TaskEvent{ev}}); err != nil {
				return err
			}
			*g.byID[c.ID] = *c
			changed = true
		}
	}

	if allTerminal(g.tasks) {
		return d.finishAttempt(ctx, a, false)
	}
	return nil
}

func allTerminal(tasks []*store.Task) bool {
	for _, t := range tasks {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) finishAttempt(ctx context.Context, a *store.Attempt, success bool) error {
	err := d.store.FinishAttempt(ctx, a.ID, success, d.now())
	if err != nil {
		return err
	}
	outcome := "failed"
	switch {
	case success:
		outcome = "success"
	case a.CancelRequested:
		outcome = "canceled"
	}
	d.metrics.attempts.WithLabelValues(outcome).Inc()
	evType := schema.EventAttemptFailed
	if success {
		evType = schema.EventAttemptSucceeded
	}
	d.publish(ctx, &store.TaskEvent{
		AttemptID: a.ID, Type: evType, Payload: map[string]any{"outcome": outcome}, CreatedAt: d.now(),
	})
	logging.LogWith(logging.WithAttemptID(ctx, a.ID), d.logger).
		Info("attempt finished", "workflow", a.WorkflowName, "outcome", outcome)
	return nil
}

// apply writes a mutation and counts the transitions it made.
func (d *Dispatcher) apply(ctx context.Context, m *store.TaskMutation) error {
	if err := d.store.ApplyTaskMutation(ctx, m); err != nil {
		return err
	}
	for _, ev := range m.Events {
		if ev.From != ev.To && ev.To != "" {
			d.metrics.transitions.WithLabelValues(ev.To).Inc()
		}
	}
	d.publish(ctx, m.Events...)
	return nil
}

// publish hands committed events to the hub, if any. Delivery is best effort.
func (d *Dispatcher) publish(ctx context.Context, events ...*store.TaskEvent) {
	if d.hub == nil {
		return
	}
	for _, ev := range events {
		_ = d.hub.Publish(ctx, streaming.Event{
			AttemptID: ev.AttemptID,
			TaskID:    ev.TaskID,
			Type:      ev.Type,
			From:      ev.From,
			To:        ev.To,
			Payload:   ev.Payload,
			At:        ev.CreatedAt,
		})
	}
}
