package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/internal/operator"
	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/validation"
	"github.com/rendis/flowctl/pkg/schema"
)

const testProject = "proj"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// harness wires a real libSQL store, the builtin operators and a controller
// around a fake clock.
type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *store.SQLStore
	clock     *fakeClock
	registry  *operator.Registry
	validator *validation.WorkflowValidator
	ctrl      *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(store.DialectLibSQL, "file:"+filepath.Join(t.TempDir(), "engine.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := operator.NewRegistry()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	require.NoError(t, operator.RegisterBuiltins(reg, cel))

	v, err := validation.NewWorkflowValidator(reg)
	require.NoError(t, err)

	clock := newFakeClock()
	ctrl, err := NewController(s, ControllerConfig{
		SiteID: 1, Validator: v, Logger: logging.Discard(), Now: clock.Now,
	})
	require.NoError(t, err)

	return &harness{t: t, ctx: context.Background(), store: s, clock: clock, registry: reg, validator: v, ctrl: ctrl}
}

func (h *harness) register(ops ...operator.Operator) {
	h.t.Helper()
	for _, op := range ops {
		require.NoError(h.t, h.registry.Register(op))
	}
}

func (h *harness) dispatcher(opts ...Option) *Dispatcher {
	h.t.Helper()
	return h.dispatcherOn(h.store, opts...)
}

// dispatcherOn builds a dispatcher over s, usually a hookStore around h.store.
func (h *harness) dispatcherOn(s store.Store, opts ...Option) *Dispatcher {
	h.t.Helper()
	opts = append([]Option{
		WithClock(h.clock.Now),
		WithLogger(logging.Discard()),
		WithValidator(h.validator),
	}, opts...)
	d, err := NewDispatcher(s, h.registry, DispatcherConfig{
		PoolSize:          4,
		MinPollInterval:   time.Second,
		HeartbeatInterval: time.Second,
		WorkerTTL:         30 * time.Second,
		CircuitBreaker:    &CircuitBreakerConfig{},
	}, opts...)
	require.NoError(h.t, err)
	h.t.Cleanup(d.Pool().Shutdown)
	return d
}

func (h *harness) start(def *schema.WorkflowDefinition, params schema.Params) *store.Attempt {
	h.t.Helper()
	_, err := h.ctrl.PushWorkflow(h.ctx, testProject, def)
	require.NoError(h.t, err)
	a, err := h.ctrl.StartAttempt(h.ctx, StartRequest{Project: testProject, Workflow: def.Name, Params: params})
	require.NoError(h.t, err)
	return a
}

// tick runs one dispatcher round and waits for the invocations it started.
func (h *harness) tick(d *Dispatcher) {
	h.t.Helper()
	require.NoError(h.t, d.Tick(h.ctx))
	d.Pool().Wait()
}

// drive ticks until the attempt is done, advancing the clock by step after
// every round.
func (h *harness) drive(d *Dispatcher, attemptID int64, step time.Duration) *store.Attempt {
	h.t.Helper()
	for range 500 {
		h.tick(d)
		a, err := h.store.GetAttempt(h.ctx, attemptID)
		require.NoError(h.t, err)
		if a.Done {
			return a
		}
		h.clock.Advance(step)
	}
	h.t.Fatalf("attempt %d did not finish", attemptID)
	return nil
}

// tasks returns the live rows of an attempt by full name.
func (h *harness) tasks(attemptID int64) map[string]*store.Task {
	h.t.Helper()
	rows, err := h.store.ListTasks(h.ctx, attemptID)
	require.NoError(h.t, err)
	out := map[string]*store.Task{}
	for _, t := range rows {
		if !t.Superseded {
			out[t.FullName] = t
		}
	}
	return out
}

func (h *harness) states(attemptID int64) map[string]schema.TaskState {
	out := map[string]schema.TaskState{}
	for name, t := range h.tasks(attemptID) {
		out[name] = t.State
	}
	return out
}

// counter counts invocations per task name.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCounter() *counter { return &counter{calls: map[string]int{}} }

func (c *counter) hit(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
	c.order = append(c.order, name)
	return c.calls[name]
}

func (c *counter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *counter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.calls))
	for k, v := range c.calls {
		out[k] = v
	}
	return out
}

// countingOperator succeeds and records every invocation.
func countingOperator(name string, c *counter) *operator.Func {
	return &operator.Func{
		Name: name,
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			c.hit(req.TaskName)
			return operator.Success(nil)
		},
	}
}

// flakyOperator fails its first n invocations per task name.
func flakyOperator(name string, n int, retryable bool, c *counter) *operator.Func {
	return &operator.Func{
		Name: name,
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			if c.hit(req.TaskName) <= n {
				return operator.Failure(schema.NewError(schema.ErrCodeOperatorFailed, "flaky"), retryable)
			}
			return operator.Success(schema.Params{"ok": true})
		},
	}
}

// withVault enables secrets on the controller and returns the vault for
// dispatchers.
func (h *harness) withVault() *secrets.AESVault {
	h.t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := secrets.NewAESVault(h.store, secrets.VaultConfig{MasterKey: key})
	require.NoError(h.t, err)
	h.ctrl.vault = v
	return v
}

// hookStore wraps a store so tests can fail or interleave chosen calls.
type hookStore struct {
	store.Store

	mu             sync.Mutex
	failGetAttempt int
	failApply      func(m *store.TaskMutation) bool
	beforeAttempt  func()
	afterClaimable func([]*store.Task)
}

var errStoreDown = errors.New("database is unavailable")

func (s *hookStore) GetAttempt(ctx context.Context, id int64) (*store.Attempt, error) {
	s.mu.Lock()
	fail := s.failGetAttempt > 0
	if fail {
		s.failGetAttempt--
	}
	hook := s.beforeAttempt
	s.mu.Unlock()
	if fail {
		return nil, errStoreDown
	}
	if hook != nil {
		hook()
	}
	return s.Store.GetAttempt(ctx, id)
}

func (s *hookStore) ApplyTaskMutation(ctx context.Context, m *store.TaskMutation) error {
	s.mu.Lock()
	fail := s.failApply != nil && s.failApply(m)
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.ApplyTaskMutation(ctx, m)
}

func (s *hookStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*store.Task, error) {
	tasks, err := s.Store.ListClaimable(ctx, now, limit)
	if err == nil && s.afterClaimable != nil {
		s.afterClaimable(tasks)
	}
	return tasks, err
}

func hasEvent(m *store.TaskMutation, eventType string) bool {
	for _, ev := range m.Events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}
