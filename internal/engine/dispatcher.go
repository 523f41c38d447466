package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/operator"
	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/streaming"
	"github.com/rendis/flowctl/pkg/schema"
)

// Default dispatcher settings.
const (
	DefaultPoolSize          = 10
	DefaultTick              = 500 * time.Millisecond
	DefaultMinPollInterval   = time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultWorkerTTL         = 30 * time.Second
)

// Claim release retries.
var (
	releaseRetries uint64 = 5
	releaseBackoff        = 50 * time.Millisecond
	releaseTimeout        = 5 * time.Second
)

// DispatcherConfig configures a Dispatcher. Zero values take the defaults.
type DispatcherConfig struct {
	PoolSize          int
	Tick              time.Duration
	MinPollInterval   time.Duration
	HeartbeatInterval time.Duration
	WorkerTTL         time.Duration
	// ClaimBatch caps how many claimable rows one tick reads.
	ClaimBatch     int
	CircuitBreaker *CircuitBreakerConfig
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WorkerTTL <= 0 {
		c.WorkerTTL = DefaultWorkerTTL
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 4 * c.PoolSize
	}
}

// ConfigValidator checks a rendered task config against an operator schema.
type ConfigValidator interface {
	ValidateConfig(config map[string]any, configSchema map[string]any) error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithVault sets the vault operators read secrets from.
func WithVault(v secrets.Vault) Option { return func(d *Dispatcher) { d.vault = v } }

// WithValidator enables operator config validation.
func WithValidator(v ConfigValidator) Option { return func(d *Dispatcher) { d.validator = v } }

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithHub publishes every committed transition to h.
func WithHub(h streaming.Hub) Option { return func(d *Dispatcher) { d.hub = h } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithWorkerID fixes the worker id instead of a random uuid.
func WithWorkerID(id string) Option { return func(d *Dispatcher) { d.worker.ID = id } }

// Dispatcher claims runnable tasks from the store, invokes their operators on
// a bounded pool and writes the outcome back. Any number of dispatchers may
// share one database; the conditional writes of the store keep every claim
// exclusive.
type Dispatcher struct {
	store     store.Store
	registry  *operator.Registry
	vault     secrets.Vault
	validator ConfigValidator
	templater *expressions.Templater
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	metrics   *Metrics
	hub       streaming.Hub
	logger    *slog.Logger
	now       func() time.Time
	config    DispatcherConfig

	mu            sync.Mutex
	worker        store.Worker
	lastHeartbeat time.Time
}

// NewDispatcher creates a dispatcher over s running operators from registry.
func NewDispatcher(s store.Store, registry *operator.Registry, cfg DispatcherConfig, opts ...Option) (*Dispatcher, error) {
	cfg.applyDefaults()
	hostname, _ := os.Hostname()

	d := &Dispatcher{
		store:     s,
		registry:  registry,
		templater: expressions.NewTemplater(),
		pool:      NewWorkerPool(cfg.PoolSize),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		config:    cfg,
		worker:    store.Worker{ID: uuid.NewString(), Hostname: hostname},
	}
	for _, opt := range opts {
		opt(d)
	}

	bcfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		bcfg = *cfg.CircuitBreaker
	}
	d.breakers = NewCircuitBreakerRegistry(bcfg, d.now)
	if d.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}
	d.logger = d.logger.With("worker_id", d.worker.ID)
	d.pool.OnPanic(func(taskID int64, v any) {
		// recoverOrphans re-arms the claim on the next tick.
		d.logger.Error("task invocation panicked", "task_id", taskID, "panic", v)
	})
	return d, nil
}

// WorkerID returns the id this dispatcher claims tasks under.
func (d *Dispatcher) WorkerID() string { return d.worker.ID }

// Pool returns the invocation pool.
func (d *Dispatcher) Pool() *WorkerPool { return d.pool }

// Run ticks until ctx is done, then waits for in-flight invocations.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logging.WithWorkerID(ctx, d.worker.ID)
	d.logger.Info("dispatcher started", "pool_size", d.config.PoolSize, "tick", d.config.Tick)

	ticker := time.NewTicker(d.config.Tick)
	defer ticker.Stop()
	defer d.pool.Shutdown()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "running_tasks", d.pool.Running())
			return nil
		case <-ticker.C:
		}
	}
}

// RunUntilDone drives the dispatcher until the attempt is done and returns
// its final row.
func (d *Dispatcher) RunUntilDone(ctx context.Context, attemptID int64) (*store.Attempt, error) {
	ctx = logging.WithWorkerID(ctx, d.worker.ID)
	ticker := time.NewTicker(d.config.Tick)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher tick failed", "error", err)
		}
		a, err := d.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if a.Done {
			d.pool.Wait()
			return a, nil
		}
		select {
		case <-ctx.Done():
			d.pool.Wait()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatcher round: heartbeat, orphan recovery, attempt
// progress, then claims for every free pool slot.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if err := d.heartbeat(ctx); err != nil {
		return err
	}
	if err := d.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	if err := d.progressAll(ctx); err != nil {
		return fmt.Errorf("progress attempts: %w", err)
	}
	return d.claimAndRun(ctx)
}

func (d *Dispatcher) heartbeat(ctx context.Context) error {
	d.mu.Lock()
	now := d.now()
	if !d.lastHeartbeat.IsZero() && now.Sub(d.lastHeartbeat) < d.config.HeartbeatInterval {
		d.mu.Unlock()
		return nil
	}
	w := d.worker
	w.HeartbeatAt = now
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	d.mu.Unlock()

	if err := d.store.Heartbeat(ctx, &w); err != nil {
		return err
	}

	d.mu.Lock()
	d.worker.StartedAt = w.StartedAt
	d.lastHeartbeat = now
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) claimAndRun(ctx context.Context) error {
	free := d.pool.Available()
	if free == 0 {
		return nil
	}
	candidates, err := d.store.ListClaimable(ctx, d.now(), d.config.ClaimBatch)
	if err != nil {
		return fmt.Errorf("list claimable: %w", err)
	}

	for _, t := range candidates {
		if free == 0 || ctx.Err() != nil {
			break
		}
		if t.Operator != "" && !d.breakers.Allow(t.Operator) {
			continue
		}
		resumed := t.State == schema.TaskRunning
		claimed, ok := d.claim(ctx, t)
		if !ok {
			continue
		}
		free--
		err := d.pool.Submit(ctx, claimed.ID, func(ctx context.Context) {
			d.execute(ctx, claimed, resumed)
		})
		if err != nil {
			log := logging.LogWith(logging.WithTask(ctx, claimed.AttemptID, claimed.ID), d.logger)
			log.Warn("could not start claimed task", "error", err)
			d.requeue(ctx, log, claimed, err)
			return nil
		}
	}
	return nil
}

// claim takes the task for this worker with one conditional write. A lost
// race returns false. A ready task is only taken while its attempt has no
// cancel request; a suspended one is taken regardless so the operator sees
// the cancellation.
func (d *Dispatcher) claim(ctx context.Context, t *store.Task) (*store.Task, bool) {
	c := t.Clone()
	now := d.now()
	resumed := c.State == schema.TaskRunning
	ev, err := transition(c, TriggerClaimed, now, map[string]any{"worker_id": d.worker.ID, "resumed": resumed})
	if err != nil {
		d.logger.Error("claim transition", "task_id", t.ID, "error", err)
		return nil, false
	}
	c.WorkerID = d.worker.ID
	if c.StartedAt == nil {
		c.StartedAt = &now
	}

	err = d.store.ApplyTaskMutation(ctx, &store.TaskMutation{
		Updates:     []*store.Task{c},
		Events:      []*store.TaskEvent{ev},
		LiveAttempt: !resumed,
	})
	if errors.Is(err, schema.ErrConflict) {
		d.metrics.claimConflicts.Inc()
		return nil, false
	}
	if err != nil {
		d.logger.Error("claim task", "task_id", t.ID, "error", err)
		return nil, false
	}
	d.metrics.claims.Inc()
	d.publish(ctx, ev)
	if !resumed {
		d.metrics.transitions.WithLabelValues(string(c.State)).Inc()
	}
	return c, true
}

// execute runs one claimed task and commits the outcome. Every path ends
// with the claim released: by the result, by a requeue when the operator
// never ran, or by a retryable failure when its result could not be written.
func (d *Dispatcher) execute(ctx context.Context, t *store.Task, resumed bool) {
	ctx = logging.WithTask(ctx, t.AttemptID, t.ID)
	log := logging.LogWith(ctx, d.logger).With("task", t.FullName)

	a, err := d.store.GetAttempt(ctx, t.AttemptID)
	if err != nil {
		log.Error("load attempt", "error", err)
		d.requeue(ctx, log, t, err)
		return
	}
	if a.CancelRequested && !resumed {
		// Killed between claim and start; the operator never runs.
		d.commit(ctx, log, t, operator.Failure(schema.NewError(schema.ErrCodeCancelled, "attempt killed before the task started"), false))
		return
	}
	rows, err := d.store.ListTasks(ctx, t.AttemptID)
	if err != nil {
		log.Error("load tasks", "error", err)
		d.requeue(ctx, log, t, err)
		return
	}
	g := newAttemptGraph(rows)

	if t.Operator == "" {
		d.commit(ctx, log, t, d.planGroup(t))
		return
	}

	res := d.invoke(ctx, log, a, g, t)
	d.commit(ctx, log, t, res)
}

// planGroup is the outcome of claiming a task without an operator. Its live
// children are planned already unless a group retry superseded them, in
// which case the static children are created again.
func (d *Dispatcher) planGroup(t *store.Task) operator.Result {
	if t.IsGroup || t.Definition == nil {
		return operator.Success(nil)
	}
	return operator.Success(nil).WithSubtasks(t.Definition.Tasks, t.Definition.Parallel)
}

// invoke builds the request and calls the operator. Panics become retryable
// failures.
func (d *Dispatcher) invoke(ctx context.Context, log *slog.Logger, a *store.Attempt, g *attemptGraph, t *store.Task) (res operator.Result) {
	op, err := d.registry.Get(t.Operator)
	if err != nil {
		return operator.Failure(err, false)
	}

	params, err := mergedParams(a, g, t)
	if err != nil {
		return operator.Failure(schema.AsError(err, schema.ErrCodeConfig), false)
	}
	config, err := d.renderConfig(ctx, op, t, params)
	if err != nil {
		return operator.Failure(schema.AsError(err, schema.ErrCodeConfig), false)
	}
	if d.validator != nil && op.Schema() != nil {
		if err := d.validator.ValidateConfig(config, op.Schema()); err != nil {
			return operator.Failure(schema.AsError(err, schema.ErrCodeConfig), false)
		}
	}

	now := d.now()
	req := &operator.Request{
		AttemptID:   a.ID,
		TaskID:      t.ID,
		SiteID:      a.SiteID,
		ProjectID:   a.ProjectID,
		TaskName:    t.FullName,
		SessionTime: a.SessionTime,
		Config:      config,
		Params:      params,
		LastState:   t.StateParams.Clone(),
		RetryCount:  t.RetryCount,
		Canceled:    a.CancelRequested,
		Secrets: secrets.NewProvider(d.vault,
			secrets.Scope{SiteID: a.SiteID, ProjectID: a.ProjectID}, op.SecretKeys(config)),
		Logger: log.With("operator", t.Operator),
		Now:    now,
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("operator panicked", "panic", r, "stack", string(debug.Stack()))
			res = operator.Failure(schema.NewErrorf(schema.ErrCodeOperatorFailed, "operator %s panicked: %v", t.Operator, r), true)
		}
		d.metrics.invocationTime.WithLabelValues(t.Operator).Observe(time.Since(start).Seconds())
		d.metrics.invocations.WithLabelValues(t.Operator, res.Kind.String()).Inc()
	}()
	return op.Run(ctx, req)
}

// commit applies an invocation result together with the claim release, in
// one write conditional on the version the claim produced. t is left as
// claimed.
func (d *Dispatcher) commit(ctx context.Context, log *slog.Logger, t *store.Task, res operator.Result) {
	a, err := d.store.GetAttempt(ctx, t.AttemptID)
	if err != nil {
		log.Error("reload attempt", "error", err)
		d.releaseFailed(ctx, log, t, err)
		return
	}

	next := t.Clone()
	m, err := d.resultMutation(next, res, a.CancelRequested)
	if err != nil {
		log.Error("build result mutation", "error", err)
		d.releaseFailed(ctx, log, t, err)
		return
	}

	err = d.store.ApplyTaskMutation(ctx, m)
	if errors.Is(err, schema.ErrConflict) {
		log.Warn("task changed during invocation, result dropped", "result", res.Kind.String())
		return
	}
	if err != nil {
		log.Error("commit result", "error", err)
		d.releaseFailed(ctx, log, t, err)
		return
	}
	d.metrics.transitions.WithLabelValues(string(next.State)).Inc()
	d.publish(ctx, m.Events...)

	switch {
	case res.Kind == operator.KindFailure && next.State == schema.TaskRetryWaiting:
		d.breakers.RecordFailure(t.Operator)
	case res.Kind != operator.KindFailure && t.Operator != "":
		d.breakers.RecordSuccess(t.Operator)
	}
	log.Debug("task result committed", "result", res.Kind.String(), "state", next.State)
}

// requeue gives back the claim of a task whose operator never ran. The row
// stays running without a worker, claimable again after MinPollInterval with
// its state params untouched.
func (d *Dispatcher) requeue(ctx context.Context, log *slog.Logger, t *store.Task, cause error) {
	now := d.now()
	c := t.Clone()
	c.WorkerID = ""
	c.NotBefore = now.Add(d.config.MinPollInterval)
	d.release(ctx, log, &store.TaskMutation{
		Updates: []*store.Task{c},
		Events: []*store.TaskEvent{{
			AttemptID: c.AttemptID, TaskID: c.ID, Type: schema.EventTaskReleased,
			From: string(c.State), To: string(c.State),
			Payload: map[string]any{"worker_id": d.worker.ID, "cause": cause.Error()}, CreatedAt: now,
		}},
	})
}

// releaseFailed gives back the claim of a task whose result is lost, as a
// retryable STORE_ERROR failure.
func (d *Dispatcher) releaseFailed(ctx context.Context, log *slog.Logger, t *store.Task, cause error) {
	c := t.Clone()
	c.WorkerID = ""
	serr := schema.NewErrorf(schema.ErrCodeStore, "result of the task could not be recorded: %v", cause).WithCause(cause)
	m, err := d.failMutation(c, &store.TaskMutation{Updates: []*store.Task{c}}, serr, true, d.now())
	if err != nil {
		log.Error("build release mutation", "error", err)
		return
	}
	d.release(ctx, log, m)
}

// release writes a claim release, retrying store errors for a few seconds.
// A conflict means the row moved on and there is nothing left to release.
// Should every attempt fail, recoverOrphans re-arms the claim on a later tick.
func (d *Dispatcher) release(ctx context.Context, log *slog.Logger, m *store.TaskMutation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(releaseRetries, retry.NewExponential(releaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.apply(ctx, m)
		if err == nil || errors.Is(err, schema.ErrConflict) {
			return nil
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		log.Error("release claim", "error", err)
	}
}

// resultMutation turns an operator result into the task's next row. t is
// modified in place.
func (d *Dispatcher) resultMutation(t *store.Task, res operator.Result, canceled bool) (*store.TaskMutation, error) {
	now := d.now()
	m := &store.TaskMutation{Updates: []*store.Task{t}}
	t.WorkerID = ""

	if canceled {
		ev, err := transition(t, TriggerKill, now, map[string]any{"discarded": res.Kind.String()})
		if err != nil {
			return nil, err
		}
		t.NotBefore = time.Time{}
		m.Events = append(m.Events, ev)
		return m, nil
	}

	switch res.Kind {
	case operator.KindSuccess:
		export, err := schema.MergeParams(t.ExportParams, res.ExportParams)
		if err != nil {
			return nil, err
		}
		t.ExportParams = export
		t.StoreParams = res.StoreParams.Clone()
		t.StateParams = schema.Params{}
		t.Error = nil
		t.NotBefore = time.Time{}

		trigger := TriggerSucceeded
		if len(res.Subtasks) > 0 || t.IsGroup || t.Operator == "" {
			trigger = TriggerPlanned
		}
		if len(res.Subtasks) > 0 {
			inserts, err := expandGenerated(t, res.Subtasks, res.Parallel)
			if err != nil {
				return d.failMutation(t, m, err, false, now)
			}
			m.Inserts = inserts
			t.IsGroup = true
		}
		ev, err := transition(t, trigger, now, map[string]any{"subtasks": len(res.Subtasks)})
		if err != nil {
			return nil, err
		}
		m.Events = append(m.Events, ev)

	case operator.KindPollLater:
		interval := max(res.Interval, d.config.MinPollInterval)
		ev, err := transition(t, TriggerPollLater, now, map[string]any{"interval": interval.String()})
		if err != nil {
			return nil, err
		}
		t.StateParams = res.State.Clone()
		t.NotBefore = now.Add(interval)
		m.Events = append(m.Events, ev)

	case operator.KindFailure:
		return d.failMutation(t, m, res.Err, res.Retryable, now)
	}
	return m, nil
}

// failMutation moves t to retry_waiting while its retry budget lasts, and to
// error otherwise.
func (d *Dispatcher) failMutation(t *store.Task, m *store.TaskMutation, cause error, retryable bool, now time.Time) (*store.TaskMutation, error) {
	if cause == nil {
		cause = schema.NewError(schema.ErrCodeOperatorFailed, "operator failed without an error")
	}
	terr := taskError(cause, t.ID)
	t.Error = terr
	t.StateParams = schema.Params{}

	policy := taskRetryPolicy(t)
	trigger := TriggerFailed
	payload := map[string]any{"code": terr.Code, "retry_count": t.RetryCount}
	if isRetryableFailure(cause, retryable) && hasRetryBudget(policy, t.RetryCount) {
		trigger = TriggerFailedRetryable
		delay := RetryBackoff(policy, t.RetryCount)
		t.NotBefore = now.Add(delay)
		t.RetryCount++
		payload["retry_in"] = delay.String()
	} else {
		t.NotBefore = time.Time{}
	}

	ev, err := transition(t, trigger, now, payload)
	if err != nil {
		return nil, err
	}
	m.Inserts = nil
	m.Events = append(m.Events, ev)
	return m, nil
}

func taskRetryPolicy(t *store.Task) *schema.RetryPolicy {
	if t.Definition == nil {
		return nil
	}
	return t.Definition.Retry
}

// taskError copies err into a fresh schema.Error for persistence, so shared
// sentinels are never modified.
func taskError(err error, taskID int64) *schema.Error {
	src := schema.AsError(err, schema.ErrCodeOperatorFailed)
	msg := src.Message
	if msg == "" {
		msg = err.Error()
	}
	return &schema.Error{Code: src.Code, Message: msg, Details: src.Details, TaskID: taskID}
}
