package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/scheduler"
	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// DefinitionValidator checks a workflow before it is stored.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	SiteID    int64
	Validator DefinitionValidator
	Vault     secrets.Vault
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller is the attempt control surface: it pushes workflows, starts,
// kills and retries attempts, backfills schedules and reports snapshots.
// It only writes the store; dispatchers pick the work up from there.
type Controller struct {
	store     store.Store
	siteID    int64
	validator DefinitionValidator
	vault     secrets.Vault
	logger    *slog.Logger
	now       func() time.Time

	// workflows caches definitions by workflow id; revisions are immutable.
	workflows *lru.Cache[int64, *schema.WorkflowDefinition]
}

// NewController creates a Controller over s.
func NewController(s store.Store, cfg ControllerConfig) (*Controller, error) {
	cache, err := lru.New[int64, *schema.WorkflowDefinition](256)
	if err != nil {
		return nil, fmt.Errorf("create workflow cache: %w", err)
	}
	c := &Controller{
		store:     s,
		siteID:    cfg.SiteID,
		validator: cfg.Validator,
		vault:     cfg.Vault,
		logger:    cfg.Logger,
		now:       cfg.Now,
		workflows: cache,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// PushWorkflow validates def and stores it as the next revision of its name
// in project, creating the project on first use. A declared schedule is
// created or replaced.
func (c *Controller) PushWorkflow(ctx context.Context, projectName string, def *schema.WorkflowDefinition) (*store.Workflow, error) {
	if c.validator != nil {
		if err := c.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	project, err := c.store.PutProject(ctx, c.siteID, projectName)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.PutWorkflow(ctx, project.ID, def)
	if err != nil {
		return nil, err
	}
	c.workflows.Add(wf.ID, wf.Definition)

	if def.Schedule != nil {
		tz := def.Schedule.Timezone
		if tz == "" {
			tz = def.Timezone
		}
		next, err := scheduler.NextRun(def.Schedule.Cron, tz, c.now())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule: %s", err).WithCause(err)
		}
		sch, err := c.store.PutSchedule(ctx, &store.Schedule{
			ProjectID: project.ID, WorkflowName: def.Name, Cron: def.Schedule.Cron, Timezone: tz, NextRunAt: next,
		})
		if err != nil {
			return nil, err
		}
		c.logger.Info("schedule updated", "workflow", def.Name, "schedule_id", sch.ID, "next_run_at", next)
	}

	c.logger.Info("workflow pushed", "project", projectName, "workflow", def.Name, "revision", wf.Revision)
	return wf, nil
}

// StartRequest is the input of StartAttempt.
type StartRequest struct {
	Project  string
	Workflow string
	// SessionTime defaults to now, truncated to the second.
	SessionTime time.Time
	Params      schema.Params
	Name        string
}

// StartAttempt starts the latest revision of a workflow for a session. It
// fails with schema.ErrConflict when the session already has an active
// attempt.
func (c *Controller) StartAttempt(ctx context.Context, req StartRequest) (*store.Attempt, error) {
	project, err := c.store.FindProject(ctx, c.siteID, req.Project)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.LatestWorkflow(ctx, project.ID, req.Workflow)
	if err != nil {
		return nil, err
	}
	sessionTime := req.SessionTime
	if sessionTime.IsZero() {
		sessionTime = c.now().Truncate(time.Second)
	}
	return c.start(ctx, &store.NewAttempt{
		ProjectID:    project.ID,
		SiteID:       project.SiteID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		SessionTime:  sessionTime.UTC(),
		Name:         req.Name,
		Params:       req.Params,
	}, wf.Definition, nil)
}

// StartScheduled starts the attempt of a schedule slot.
func (c *Controller) StartScheduled(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (int64, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	wf, err := c.store.LatestWorkflow(ctx, projectID, workflowName)
	if err != nil {
		return 0, err
	}
	a, err := c.start(ctx, &store.NewAttempt{
		ProjectID:    projectID,
		SiteID:       project.SiteID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		SessionTime:  sessionTime.UTC(),
	}, wf.Definition, nil)
	if err != nil {
		return 0, err
	}
	return a.ID, nil
}

// start expands the task graph and creates the attempt. Rows named in kept
// are created already successful with the outputs of the kept row.
func (c *Controller) start(ctx context.Context, req *store.NewAttempt, def *schema.WorkflowDefinition, kept map[string]*store.Task) (*store.Attempt, error) {
	tasks, err := expandAttempt(def, req.Params)
	if err != nil {
		return nil, err
	}
	for _, nt := range tasks {
		old, ok := kept[nt.Task.FullName]
		if !ok {
			continue
		}
		nt.Task.State = schema.TaskSuccess
		nt.Task.ExportParams = old.ExportParams.Clone()
		nt.Task.StoreParams = old.StoreParams.Clone()
	}

	a, err := c.store.CreateAttempt(ctx, req, tasks)
	if err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithAttemptID(ctx, a.ID), c.logger).Info("attempt started",
		"workflow", a.WorkflowName, "session_time", a.SessionTime, "tasks", len(tasks), "retry_of", a.RetryOf)
	return a, nil
}

// KillAttempt requests cancellation. Repeating it is a no-op; killing a
// finished attempt is a conflict.
func (c *Controller) KillAttempt(ctx context.Context, attemptID int64) error {
	if err := c.store.RequestCancel(ctx, attemptID); err != nil {
		return err
	}
	logging.LogWith(logging.WithAttemptID(ctx, attemptID), c.logger).Info("attempt kill requested")
	return nil
}

// RetryAttempt re-runs a finished attempt as a new attempt of the same
// session. Tasks the selector does not pick keep the outputs they produced;
// the original attempt is not modified.
func (c *Controller) RetryAttempt(ctx context.Context, attemptID int64, sel schema.RetrySelector) (*store.Attempt, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	orig, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !orig.Done {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "attempt %d is still running", attemptID)
	}
	rows, err := c.store.ListTasks(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	kept, err := keptTasks(newAttemptGraph(rows), sel)
	if err != nil {
		return nil, err
	}
	def, err := c.workflow(ctx, orig.WorkflowID)
	if err != nil {
		return nil, err
	}

	return c.start(ctx, &store.NewAttempt{
		ProjectID:     orig.ProjectID,
		SiteID:        orig.SiteID,
		WorkflowID:    orig.WorkflowID,
		WorkflowName:  orig.WorkflowName,
		SessionTime:   orig.SessionTime,
		Name:          orig.Name,
		Params:        orig.Params,
		RetryOf:       orig.ID,
		RetrySelector: &sel,
	}, def, kept)
}

// BackfillOptions tunes Backfill.
type BackfillOptions struct {
	// Count caps the number of sessions started; zero means no cap.
	Count int
	// DryRun only reports the session times.
	DryRun bool
	Name   string
}

// BackfillResult lists the sessions a backfill covered, oldest first.
type BackfillResult struct {
	SessionTimes []time.Time `json:"session_times"`
	AttemptIDs   []int64     `json:"attempt_ids,omitempty"`
}

// Backfill starts one attempt for every slot of the schedule in [from, to)
// that has no session yet.
func (c *Controller) Backfill(ctx context.Context, scheduleID int64, from, to time.Time, opts BackfillOptions) (*BackfillResult, error) {
	if !from.Before(to) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "backfill range is empty: %s >= %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	sch, err := c.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	slots, err := scheduler.SessionTimes(sch.Cron, sch.Timezone, from, to)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s", err).WithCause(err)
	}

	res := &BackfillResult{}
	for _, st := range slots {
		if opts.Count > 0 && len(res.SessionTimes) >= opts.Count {
			break
		}
		_, err := c.store.FindSession(ctx, sch.ProjectID, sch.WorkflowName, st)
		if err == nil {
			continue
		}
		if !errors.Is(err, schema.ErrNotFound) {
			return nil, err
		}
		res.SessionTimes = append(res.SessionTimes, st)
	}
	if opts.DryRun || len(res.SessionTimes) == 0 {
		return res, nil
	}

	project, err := c.store.GetProject(ctx, sch.ProjectID)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.LatestWorkflow(ctx, sch.ProjectID, sch.WorkflowName)
	if err != nil {
		return nil, err
	}
	for _, st := range res.SessionTimes {
		a, err := c.start(ctx, &store.NewAttempt{
			ProjectID:    project.ID,
			SiteID:       project.SiteID,
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			SessionTime:  st,
			Name:         opts.Name,
		}, wf.Definition, nil)
		if err != nil {
			return res, fmt.Errorf("backfill session %s: %w", st.Format(time.RFC3339), err)
		}
		res.AttemptIDs = append(res.AttemptIDs, a.ID)
	}
	c.logger.Info("backfill started", "schedule_id", scheduleID, "workflow", sch.WorkflowName, "attempts", len(res.AttemptIDs))
	return res, nil
}

// GetTasks returns the task snapshots of an attempt in id order. Rows
// replaced by a group retry are left out unless includeSuperseded is set.
func (c *Controller) GetTasks(ctx context.Context, attemptID int64, includeSuperseded bool) ([]TaskSnapshot, error) {
	if _, err := c.store.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	rows, err := c.store.ListTasks(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	out := make([]TaskSnapshot, 0, len(rows))
	for _, t := range rows {
		if t.Superseded && !includeSuperseded {
			continue
		}
		out = append(out, snapshotTask(t))
	}
	return out, nil
}

// GetAttempt returns the attempt snapshot with task counts by state.
func (c *Controller) GetAttempt(ctx context.Context, attemptID int64) (*AttemptSnapshot, error) {
	a, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	rows, err := c.store.ListTasks(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	snap := snapshotAttempt(a)
	snap.Tasks = map[schema.TaskState]int{}
	for _, t := range rows {
		if !t.Superseded {
			snap.Tasks[t.State]++
		}
	}
	return snap, nil
}

// ListAttempts returns attempt snapshots, newest first.
func (c *Controller) ListAttempts(ctx context.Context, filter store.AttemptFilter) ([]*AttemptSnapshot, error) {
	attempts, err := c.store.ListAttempts(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*AttemptSnapshot, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, snapshotAttempt(a))
	}
	return out, nil
}

// Events returns the audit log of an attempt after sinceID.
func (c *Controller) Events(ctx context.Context, attemptID, sinceID int64) ([]*store.TaskEvent, error) {
	return c.store.ListTaskEvents(ctx, attemptID, sinceID)
}

// ListSchedules returns the schedules of a project, or all when project is empty.
func (c *Controller) ListSchedules(ctx context.Context, project string) ([]*store.Schedule, error) {
	var projectID int64
	if project != "" {
		p, err := c.store.FindProject(ctx, c.siteID, project)
		if err != nil {
			return nil, err
		}
		projectID = p.ID
	}
	return c.store.ListSchedules(ctx, projectID)
}

// SetSecret stores a project secret through the vault.
func (c *Controller) SetSecret(ctx context.Context, project, key, value string) error {
	scope, err := c.secretScope(ctx, project)
	if err != nil {
		return err
	}
	return c.vault.Store(ctx, scope, key, []byte(value))
}

// DeleteSecret removes a project secret.
func (c *Controller) DeleteSecret(ctx context.Context, project, key string) error {
	scope, err := c.secretScope(ctx, project)
	if err != nil {
		return err
	}
	return c.vault.Delete(ctx, scope, key)
}

// ListSecrets returns the secret keys of a project; values are never listed.
func (c *Controller) ListSecrets(ctx context.Context, project string) ([]string, error) {
	scope, err := c.secretScope(ctx, project)
	if err != nil {
		return nil, err
	}
	return c.vault.List(ctx, scope)
}

func (c *Controller) secretScope(ctx context.Context, project string) (secrets.Scope, error) {
	if c.vault == nil {
		return secrets.Scope{}, schema.NewError(schema.ErrCodeConfig, "secrets are disabled: no master key configured")
	}
	p, err := c.store.FindProject(ctx, c.siteID, project)
	if err != nil {
		return secrets.Scope{}, err
	}
	return secrets.Scope{SiteID: p.SiteID, ProjectID: p.ID}, nil
}

func (c *Controller) workflow(ctx context.Context, id int64) (*schema.WorkflowDefinition, error) {
	if def, ok := c.workflows.Get(id); ok {
		return def, nil
	}
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	c.workflows.Add(id, wf.Definition)
	return wf.Definition, nil
}
