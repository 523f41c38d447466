package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowctl/internal/operator"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/streaming"
	"github.com/rendis/flowctl/pkg/schema"
)

// recorder keeps the requests an operator saw, by task name.
type recorder struct {
	mu   sync.Mutex
	reqs map[string][]*operator.Request
}

func newRecorder() *recorder { return &recorder{reqs: map[string][]*operator.Request{}} }

func (r *recorder) add(req *operator.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs[req.TaskName] = append(r.reqs[req.TaskName], req)
	return len(r.reqs[req.TaskName])
}

func (r *recorder) get(name string) []*operator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*operator.Request(nil), r.reqs[name]...)
}

func captureOperator(rec *recorder) *operator.Func {
	return &operator.Func{
		Name: "capture",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			rec.add(req)
			return operator.Success(nil)
		},
	}
}

func TestDispatcher_SequentialTasksShareStoreParams(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	h.register(captureOperator(rec))

	def := &schema.WorkflowDefinition{
		Name:   "wf",
		Params: schema.Params{"region": "eu"},
		Tasks: []schema.TaskDefinition{
			{Name: "produce", Operator: "store", Config: schema.Params{
				"store":  map[string]any{"rows": 5},
				"export": map[string]any{"private": true},
			}},
			{Name: "consume", Operator: "capture", Config: schema.Params{
				"summary": "${rows} rows in ${region} on ${session_date}",
			}},
		},
	}
	a := h.start(def, schema.Params{"region": "us"})

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.True(t, done.Success)

	reqs := rec.get("+wf+consume")
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "5 rows in us on 2024-01-01", req.Config["summary"])
	assert.Equal(t, 5, req.Params.Int("rows", 0))
	assert.Equal(t, "+wf+consume", req.Params["task_name"])
	_, leaked := req.Params["private"]
	assert.False(t, leaked, "export params reach descendants only")

	states := h.states(a.ID)
	assert.Equal(t, map[string]schema.TaskState{
		"+wf":         schema.TaskSuccess,
		"+wf+produce": schema.TaskSuccess,
		"+wf+consume": schema.TaskSuccess,
	}, states)
}

func TestDispatcher_FailedUpstreamCancelsDownstream(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{
		Name:     "wf",
		Parallel: true,
		Tasks: []schema.TaskDefinition{
			{Name: "a", Operator: "count"},
			{Name: "b", Operator: "fail", DependsOn: []string{"a"}},
			{Name: "c", Operator: "count", DependsOn: []string{"a"}},
			{Name: "d", Operator: "count", DependsOn: []string{"b", "c"}},
		},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.True(t, done.Done)
	assert.False(t, done.Success)

	tasks := h.tasks(a.ID)
	assert.Equal(t, schema.TaskSuccess, tasks["+wf+a"].State)
	assert.Equal(t, schema.TaskError, tasks["+wf+b"].State)
	assert.Equal(t, schema.TaskSuccess, tasks["+wf+c"].State)
	assert.Equal(t, schema.TaskCanceled, tasks["+wf+d"].State)
	assert.Equal(t, schema.TaskGroupError, tasks["+wf"].State)

	assert.Equal(t, schema.ErrCodeOperatorFailed, tasks["+wf+b"].Error.Code)
	assert.Zero(t, tasks["+wf+b"].RetryCount)
	require.NotNil(t, tasks["+wf"].Error)
	assert.Contains(t, fmt.Sprint(tasks["+wf"].Error.Details["failed"]), "+wf+b")
	assert.Zero(t, calls.count("+wf+d"))
}

func TestDispatcher_PollLaterSuspendsWithoutWorker(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	h.register(&operator.Func{
		Name: "poller",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			if n := rec.add(req); n <= 3 {
				return operator.PollLater(2*time.Second, schema.Params{"job": "42", "polls": n})
			}
			return operator.Success(schema.Params{"result": "done"})
		},
	})

	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "job", Operator: "poller"}},
	}
	a := h.start(def, nil)
	d := h.dispatcher()

	h.tick(d) // root planned
	h.tick(d) // first poll
	require.Len(t, rec.get("+wf+job"), 1)

	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskRunning, job.State)
	assert.Empty(t, job.WorkerID, "a suspended task holds no worker")
	assert.Equal(t, "42", job.StateParams["job"])
	assert.WithinDuration(t, h.clock.Now().Add(2*time.Second), job.NotBefore, 0)

	h.tick(d)
	assert.Len(t, rec.get("+wf+job"), 1, "not claimable before its interval")

	done := h.drive(d, a.ID, 500*time.Millisecond)
	assert.True(t, done.Success)

	reqs := rec.get("+wf+job")
	require.Len(t, reqs, 4)
	assert.Empty(t, reqs[0].LastState)
	for i := 1; i < len(reqs); i++ {
		assert.Equal(t, "42", reqs[i].LastState["job"])
		assert.Equal(t, i, reqs[i].LastState.Int("polls", 0))
		assert.GreaterOrEqual(t, reqs[i].Now.Sub(reqs[i-1].Now), 2*time.Second)
	}
	assert.GreaterOrEqual(t, reqs[3].Now.Sub(reqs[0].Now), 6*time.Second)

	job = h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, "done", job.StoreParams["result"])
	assert.Empty(t, job.StateParams)
}

func TestDispatcher_PollIntervalHasFloor(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	h.register(&operator.Func{
		Name: "eager",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			if rec.add(req) == 1 {
				return operator.PollLater(time.Millisecond, nil)
			}
			return operator.Success(nil)
		},
	})

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "e", Operator: "eager"}}}
	a := h.start(def, nil)
	d := h.dispatcher()
	h.tick(d)
	h.tick(d)

	job := h.tasks(a.ID)["+wf+e"]
	assert.WithinDuration(t, h.clock.Now().Add(time.Second), job.NotBefore, 0)

	done := h.drive(d, a.ID, 250*time.Millisecond)
	assert.True(t, done.Success)
	reqs := rec.get("+wf+e")
	require.Len(t, reqs, 2)
	assert.GreaterOrEqual(t, reqs[1].Now.Sub(reqs[0].Now), time.Second)
}

func TestDispatcher_RetryableFailureUsesBudget(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(flakyOperator("flaky", 2, true, calls))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name: "f", Operator: "flaky",
			Retry: &schema.RetryPolicy{Limit: 3, Interval: schema.Duration(10 * time.Second)},
		}},
	}
	a := h.start(def, nil)
	d := h.dispatcher()
	h.tick(d)
	h.tick(d)

	f := h.tasks(a.ID)["+wf+f"]
	assert.Equal(t, schema.TaskRetryWaiting, f.State)
	assert.Equal(t, 1, f.RetryCount)
	assert.WithinDuration(t, h.clock.Now().Add(10*time.Second), f.NotBefore, 0)

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 3, calls.count("+wf+f"))

	f = h.tasks(a.ID)["+wf+f"]
	assert.Equal(t, schema.TaskSuccess, f.State)
	assert.Equal(t, 2, f.RetryCount)
	assert.Nil(t, f.Error)
}

func TestDispatcher_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(flakyOperator("flaky", 10, true, calls))

	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "f", Operator: "flaky", Retry: &schema.RetryPolicy{Limit: 2}}},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.False(t, done.Success)
	assert.Equal(t, 3, calls.count("+wf+f"))

	f := h.tasks(a.ID)["+wf+f"]
	assert.Equal(t, schema.TaskError, f.State)
	assert.Equal(t, 2, f.RetryCount)
	assert.Equal(t, schema.ErrCodeOperatorFailed, f.Error.Code)
}

func TestDispatcher_GroupRetryCreatesFreshRows(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls), flakyOperator("flaky", 1, false, calls))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name:  "grp",
			Retry: &schema.RetryPolicy{Limit: 1},
			Tasks: []schema.TaskDefinition{
				{Name: "prepare", Operator: "count"},
				{Name: "load", Operator: "flaky"},
			},
		}},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 2, calls.count("+wf+grp+prepare"))
	assert.Equal(t, 2, calls.count("+wf+grp+load"))

	rows, err := h.store.ListTasks(h.ctx, a.ID)
	require.NoError(t, err)
	var superseded, live []string
	for _, r := range rows {
		if r.ParentID == 0 || r.FullName == "+wf+grp" {
			continue
		}
		if r.Superseded {
			superseded = append(superseded, r.FullName)
			assert.Equal(t, 0, r.Generation)
		} else {
			live = append(live, r.FullName)
			assert.Equal(t, 1, r.Generation)
			assert.Equal(t, schema.TaskSuccess, r.State)
		}
	}
	assert.ElementsMatch(t, []string{"+wf+grp+prepare", "+wf+grp+load"}, superseded)
	assert.ElementsMatch(t, []string{"+wf+grp+prepare", "+wf+grp+load"}, live)

	grp := h.tasks(a.ID)["+wf+grp"]
	assert.Equal(t, 1, grp.RetryCount)
	assert.True(t, grp.IsGroup)

	snaps, err := h.ctrl.GetTasks(h.ctx, a.ID, false)
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
	for _, snap := range snaps {
		if snap.FullName == "+wf+grp+prepare" || snap.FullName == "+wf+grp+load" {
			assert.Equal(t, 1, snap.Generation, snap.FullName)
			assert.Zero(t, snap.RetryCount, snap.FullName)
		}
	}
	all, err := h.ctrl.GetTasks(h.ctx, a.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestDispatcher_GroupRetryExhaustedIsGroupError(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(flakyOperator("flaky", 10, false, calls))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name:  "grp",
			Retry: &schema.RetryPolicy{Limit: 1},
			Tasks: []schema.TaskDefinition{{Name: "load", Operator: "flaky"}},
		}},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.False(t, done.Success)
	assert.Equal(t, 2, calls.count("+wf+grp+load"))

	tasks := h.tasks(a.ID)
	assert.Equal(t, schema.TaskGroupError, tasks["+wf+grp"].State)
	assert.Equal(t, schema.TaskGroupError, tasks["+wf"].State)
	assert.Equal(t, schema.TaskError, tasks["+wf+grp+load"].State)
}

func TestDispatcher_KillWakesSuspendedTaskOnce(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	calls := newCounter()
	var canceledSeen atomic.Int32
	h.register(countingOperator("count", calls), &operator.Func{
		Name: "sleeper",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			rec.add(req)
			if req.Canceled {
				canceledSeen.Add(1)
				return operator.Failure(schema.NewError(schema.ErrCodeCancelled, "stopped"), false)
			}
			return operator.PollLater(time.Hour, schema.Params{"since": req.Now.Format(time.RFC3339)})
		},
	})

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{
			{Name: "sleep", Operator: "sleeper"},
			{Name: "after", Operator: "count"},
		},
	}
	a := h.start(def, nil)
	d := h.dispatcher()
	h.tick(d)
	h.tick(d)
	require.Len(t, rec.get("+wf+sleep"), 1)

	require.NoError(t, h.ctrl.KillAttempt(h.ctx, a.ID))
	require.NoError(t, h.ctrl.KillAttempt(h.ctx, a.ID), "kill is idempotent")

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Done)
	assert.False(t, done.Success)
	assert.Equal(t, schema.AttemptCanceled, done.Status())

	assert.Equal(t, int32(1), canceledSeen.Load())
	assert.Len(t, rec.get("+wf+sleep"), 2)
	assert.Zero(t, calls.count("+wf+after"))
	for name, st := range h.states(a.ID) {
		assert.Equal(t, schema.TaskCanceled, st, name)
	}
}

func TestDispatcher_KillBeatsElapsedRetryTimer(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(flakyOperator("flaky", 10, true, calls))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name: "f", Operator: "flaky",
			Retry: &schema.RetryPolicy{Limit: 5, Interval: schema.Duration(10 * time.Second)},
		}},
	}
	a := h.start(def, nil)
	d := h.dispatcher()
	h.tick(d)
	h.tick(d)
	require.Equal(t, schema.TaskRetryWaiting, h.tasks(a.ID)["+wf+f"].State)

	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.ctrl.KillAttempt(h.ctx, a.ID))

	done := h.drive(d, a.ID, time.Second)
	assert.Equal(t, schema.AttemptCanceled, done.Status())
	assert.Equal(t, 1, calls.count("+wf+f"))
	assert.Equal(t, schema.TaskCanceled, h.tasks(a.ID)["+wf+f"].State)
}

func TestDispatcher_ConcurrentDispatchersRunEachTaskOnce(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	var tasks []schema.TaskDefinition
	for i := range 20 {
		tasks = append(tasks, schema.TaskDefinition{Name: fmt.Sprintf("t%02d", i), Operator: "count"})
	}
	a := h.start(&schema.WorkflowDefinition{Name: "wf", Parallel: true, Tasks: tasks}, nil)

	ds := []*Dispatcher{
		h.dispatcher(WithWorkerID("w1")),
		h.dispatcher(WithWorkerID("w2")),
		h.dispatcher(WithWorkerID("w3")),
	}
	finished := false
	for range 100 {
		var g errgroup.Group
		for _, d := range ds {
			g.Go(func() error { return d.Tick(h.ctx) })
		}
		require.NoError(t, g.Wait())
		for _, d := range ds {
			d.Pool().Wait()
		}
		cur, err := h.store.GetAttempt(h.ctx, a.ID)
		require.NoError(t, err)
		if cur.Done {
			assert.True(t, cur.Success)
			finished = true
			break
		}
		h.clock.Advance(time.Second)
	}
	require.True(t, finished)

	counts := calls.snapshot()
	require.Len(t, counts, 20)
	for name, n := range counts {
		assert.Equal(t, 1, n, name)
	}
}

// hangingOperator blocks its first invocation until release is closed and
// succeeds at once afterwards.
func hangingOperator(release <-chan struct{}, calls *counter) *operator.Func {
	return &operator.Func{
		Name: "hang",
		Fn: func(ctx context.Context, req *operator.Request) operator.Result {
			if calls.hit(req.TaskName) == 1 {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return operator.Success(schema.Params{"late": true})
			}
			return operator.Success(nil)
		},
	}
}

func TestDispatcher_RecoversTaskOfDeadWorker(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	release := make(chan struct{})
	var once sync.Once
	h.register(hangingOperator(release, calls))

	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "job", Operator: "hang", Retry: &schema.RetryPolicy{Limit: 1}}},
	}
	a := h.start(def, nil)

	dead := h.dispatcher(WithWorkerID("dead"))
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	h.tick(dead)
	require.NoError(t, dead.Tick(h.ctx)) // claims job and hangs
	require.Eventually(t, func() bool { return calls.count("+wf+job") == 1 }, 5*time.Second, 10*time.Millisecond)

	h.clock.Advance(time.Minute)
	live := h.dispatcher(WithWorkerID("live"))
	done := h.drive(live, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 2, calls.count("+wf+job"))

	events, err := h.ctrl.Events(h.ctx, a.ID, 0)
	require.NoError(t, err)
	var recovered bool
	for _, ev := range events {
		if ev.Type == schema.EventTaskRecovered {
			recovered = true
			assert.Equal(t, "dead", ev.Payload["dead_worker"])
		}
	}
	assert.True(t, recovered)

	// The lost worker's late result is dropped.
	once.Do(func() { close(release) })
	dead.Pool().Wait()
	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskSuccess, job.State)
	assert.NotContains(t, job.StoreParams, "late")
	assert.Equal(t, 1, job.RetryCount)
}

func TestDispatcher_DeadWorkerWithoutBudgetFails(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	release := make(chan struct{})
	var once sync.Once
	h.register(hangingOperator(release, calls))

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "job", Operator: "hang"}}}
	a := h.start(def, nil)

	dead := h.dispatcher(WithWorkerID("dead"))
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	h.tick(dead)
	require.NoError(t, dead.Tick(h.ctx))
	require.Eventually(t, func() bool { return calls.count("+wf+job") == 1 }, 5*time.Second, 10*time.Millisecond)

	h.clock.Advance(time.Minute)
	done := h.drive(h.dispatcher(WithWorkerID("live")), a.ID, time.Second)
	assert.False(t, done.Success)

	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskError, job.State)
	assert.Equal(t, schema.ErrCodeWorkerLost, job.Error.Code)
}

func TestDispatcher_PanicIsRetryableFailure(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(&operator.Func{
		Name: "boom",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			if calls.hit(req.TaskName) == 1 {
				panic("kaboom")
			}
			return operator.Success(nil)
		},
	})

	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "b", Operator: "boom", Retry: &schema.RetryPolicy{Limit: 1}}},
	}
	a := h.start(def, nil)
	d := h.dispatcher()
	h.tick(d)
	h.tick(d)

	b := h.tasks(a.ID)["+wf+b"]
	require.Equal(t, schema.TaskRetryWaiting, b.State)
	assert.Contains(t, b.Error.Message, "kaboom")

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 2, calls.count("+wf+b"))
}

func TestDispatcher_ConfigErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)

	def := &schema.WorkflowDefinition{
		Name:     "wf",
		Parallel: true,
		Tasks: []schema.TaskDefinition{
			{Name: "missing", Operator: "echo", Retry: &schema.RetryPolicy{Limit: 3}},
			{Name: "broken", Operator: "echo", Config: schema.Params{"message": "${oops"}, Retry: &schema.RetryPolicy{Limit: 3}},
		},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.False(t, done.Success)

	tasks := h.tasks(a.ID)
	for _, name := range []string{"+wf+missing", "+wf+broken"} {
		assert.Equal(t, schema.TaskError, tasks[name].State, name)
		assert.Zero(t, tasks[name].RetryCount, name)
		assert.Equal(t, schema.ErrCodeConfig, tasks[name].Error.Code, name)
	}
}

func TestDispatcher_LoopGeneratesChildren(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	h.register(captureOperator(rec))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name: "lp", Operator: "loop",
			Config: schema.Params{"count": 3, "do": map[string]any{"operator": "capture"}},
		}},
	}
	a := h.start(def, nil)

	done := h.drive(h.dispatcher(), a.ID, time.Second)
	assert.True(t, done.Success)

	for i := range 3 {
		name := fmt.Sprintf("+wf+lp+loop-%d", i)
		reqs := rec.get(name)
		require.Len(t, reqs, 1, name)
		assert.Equal(t, i, reqs[0].Params.Int("i", -1))
	}

	tasks := h.tasks(a.ID)
	lp := tasks["+wf+lp"]
	assert.True(t, lp.IsGroup)
	assert.Equal(t, schema.TaskSuccess, lp.State)
	for i := 1; i < 3; i++ {
		child := tasks[fmt.Sprintf("+wf+lp+loop-%d", i)]
		prev := tasks[fmt.Sprintf("+wf+lp+loop-%d", i-1)]
		assert.Equal(t, lp.ID, child.ParentID)
		assert.Equal(t, []int64{prev.ID}, child.Upstreams)
	}
}

func TestDispatcher_SecretsAreScopedToDeclaredKeys(t *testing.T) {
	h := newHarness(t)
	vault := h.withVault()

	type lookup struct {
		value string
		code  string
	}
	var mu sync.Mutex
	seen := map[string]lookup{}
	h.register(&operator.Func{
		Name:    "reader",
		Secrets: []string{"db.*", "api.missing"},
		Fn: func(ctx context.Context, req *operator.Request) operator.Result {
			mu.Lock()
			defer mu.Unlock()
			for _, key := range []string{"db.password", "api.missing", "api.token"} {
				v, err := req.Secrets.Get(ctx, key)
				seen[key] = lookup{value: v, code: schema.CodeOf(err)}
			}
			return operator.Success(nil)
		},
	})

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "r", Operator: "reader"}}}
	_, err := h.ctrl.PushWorkflow(h.ctx, testProject, def)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.SetSecret(h.ctx, testProject, "db.password", "hunter2"))
	require.NoError(t, h.ctrl.SetSecret(h.ctx, testProject, "api.token", "t0k3n"))

	a, err := h.ctrl.StartAttempt(h.ctx, StartRequest{Project: testProject, Workflow: "wf"})
	require.NoError(t, err)
	done := h.drive(h.dispatcher(WithVault(vault)), a.ID, time.Second)
	assert.True(t, done.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, lookup{value: "hunter2"}, seen["db.password"])
	assert.Equal(t, schema.ErrCodeSecretNotFound, seen["api.missing"].code)
	assert.Equal(t, schema.ErrCodeSecretAccessDenied, seen["api.token"].code)
	assert.Empty(t, seen["api.token"].value)
}

func TestDispatcher_RandomDAGRespectsDependencies(t *testing.T) {
	h := newHarness(t)
	var seq atomic.Int64
	var mu sync.Mutex
	started := map[string]int64{}
	ended := map[string]int64{}
	h.register(&operator.Func{
		Name: "step",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			s := seq.Add(1)
			e := seq.Add(1)
			mu.Lock()
			started[req.TaskName] = s
			ended[req.TaskName] = e
			mu.Unlock()
			return operator.Success(nil)
		},
	})

	rng := rand.New(rand.NewPCG(7, 11))
	const n = 15
	tasks := make([]schema.TaskDefinition, n)
	for i := range n {
		tasks[i] = schema.TaskDefinition{Name: fmt.Sprintf("n%02d", i), Operator: "step"}
		for j := range i {
			if rng.IntN(4) == 0 {
				tasks[i].DependsOn = append(tasks[i].DependsOn, tasks[j].Name)
			}
		}
	}
	// Declaration order must not matter.
	rng.Shuffle(n, func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

	a := h.start(&schema.WorkflowDefinition{Name: "wf", Parallel: true, Tasks: tasks}, nil)
	done := h.drive(h.dispatcher(), a.ID, time.Second)
	require.True(t, done.Success)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, n)
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			assert.Less(t, ended["+wf+"+dep], started["+wf+"+task.Name], "%s before %s", dep, task.Name)
		}
	}
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	d := h.dispatcher(WithMetrics(m))
	require.NoError(t, RegisterPool(reg, d.Pool()))

	def := &schema.WorkflowDefinition{
		Name:     "wf",
		Parallel: true,
		Tasks: []schema.TaskDefinition{
			{Name: "a", Operator: "noop"},
			{Name: "b", Operator: "noop"},
		},
	}
	a := h.start(def, nil)
	h.drive(d, a.ID, time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.claims))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("noop", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.transitions.WithLabelValues(string(schema.TaskSuccess))))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowctl_worker_pool_available"])
}

func TestDispatcher_PublishesCommittedTransitions(t *testing.T) {
	h := newHarness(t)
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(h.ctx, streaming.Filter{})
	require.NoError(t, err)
	defer cancel()

	a := h.start(&schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "a", Operator: "noop"}},
	}, nil)
	h.drive(h.dispatcher(WithHub(hub)), a.ID, time.Second)

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		assert.Equal(t, a.ID, ev.AttemptID)
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Contains(t, types, schema.EventTaskClaimed)
	assert.Contains(t, types, schema.EventTaskSucceeded)
	assert.Equal(t, schema.EventAttemptSucceeded, types[len(types)-1])
}

func TestDispatcher_UnreadableAttemptRequeuesClaim(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "job", Operator: "count"}}}
	a := h.start(def, nil)
	hs := &hookStore{Store: h.store}
	d := h.dispatcherOn(hs)

	h.tick(d) // root planned
	hs.mu.Lock()
	hs.failGetAttempt = 1
	hs.mu.Unlock()
	h.tick(d) // job claimed, attempt read fails

	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskRunning, job.State)
	assert.Empty(t, job.WorkerID, "the claim is given back")
	assert.WithinDuration(t, h.clock.Now().Add(time.Second), job.NotBefore, 0)
	assert.Zero(t, calls.count("+wf+job"))

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 1, calls.count("+wf+job"))

	events, err := h.ctrl.Events(h.ctx, a.ID, 0)
	require.NoError(t, err)
	var released int
	for _, ev := range events {
		if ev.Type == schema.EventTaskReleased {
			released++
			assert.Equal(t, d.WorkerID(), ev.Payload["worker_id"])
		}
	}
	assert.Equal(t, 1, released)
}

func TestDispatcher_UnwrittenResultIsRetried(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Tasks: []schema.TaskDefinition{{Name: "job", Operator: "count", Retry: &schema.RetryPolicy{Limit: 1}}},
	}
	a := h.start(def, nil)
	failed := 0
	hs := &hookStore{Store: h.store, failApply: func(m *store.TaskMutation) bool {
		for _, u := range m.Updates {
			if u.FullName == "+wf+job" && u.State == schema.TaskSuccess && failed == 0 {
				failed++
				return true
			}
		}
		return false
	}}
	d := h.dispatcherOn(hs)
	h.tick(d)
	h.tick(d)

	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskRetryWaiting, job.State)
	assert.Empty(t, job.WorkerID)
	require.NotNil(t, job.Error)
	assert.Equal(t, schema.ErrCodeStore, job.Error.Code)

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 2, calls.count("+wf+job"))
	assert.Equal(t, 1, failed)
}

func TestDispatcher_StrandedClaimIsRearmed(t *testing.T) {
	retries, timeout := releaseRetries, releaseTimeout
	releaseRetries, releaseTimeout = 0, time.Second
	t.Cleanup(func() { releaseRetries, releaseTimeout = retries, timeout })

	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Tasks: []schema.TaskDefinition{{
			Name: "job", Operator: "count",
			Retry: &schema.RetryPolicy{Limit: 1, Interval: schema.Duration(10 * time.Second)},
		}},
	}
	a := h.start(def, nil)
	var storeDown atomic.Bool
	hs := &hookStore{Store: h.store, failApply: func(m *store.TaskMutation) bool {
		return storeDown.Load() && hasEvent(m, schema.EventTaskReleased)
	}}
	d := h.dispatcherOn(hs)

	h.tick(d)
	storeDown.Store(true)
	hs.mu.Lock()
	hs.failGetAttempt = 1
	hs.mu.Unlock()
	h.tick(d) // neither the attempt read nor the release gets through

	job := h.tasks(a.ID)["+wf+job"]
	require.Equal(t, schema.TaskRunning, job.State)
	require.Equal(t, d.WorkerID(), job.WorkerID)
	assert.Empty(t, d.Pool().Running())

	storeDown.Store(false)
	h.tick(d)
	job = h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskRetryWaiting, job.State)
	assert.Empty(t, job.WorkerID)
	require.NotNil(t, job.Error)
	assert.Equal(t, schema.ErrCodeWorkerLost, job.Error.Code)

	done := h.drive(d, a.ID, time.Second)
	assert.True(t, done.Success)
	assert.Equal(t, 1, calls.count("+wf+job"))
}

func TestDispatcher_KillBeforeClaimKeepsReadyTaskUnclaimed(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "job", Operator: "count"}}}
	a := h.start(def, nil)

	killed := false
	hs := &hookStore{Store: h.store}
	hs.afterClaimable = func(cands []*store.Task) {
		for _, c := range cands {
			if c.FullName == "+wf+job" && !killed {
				killed = true
				require.NoError(t, h.ctrl.KillAttempt(h.ctx, a.ID))
			}
		}
	}
	d := h.dispatcherOn(hs)
	h.tick(d)
	h.tick(d) // job listed as claimable, then the attempt is killed
	require.True(t, killed)

	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskReady, job.State)
	assert.Empty(t, job.WorkerID)

	done := h.drive(d, a.ID, time.Second)
	assert.Equal(t, schema.AttemptCanceled, done.Status())
	assert.Zero(t, calls.count("+wf+job"))
	assert.Equal(t, schema.TaskCanceled, h.tasks(a.ID)["+wf+job"].State)
}

func TestDispatcher_KillAfterClaimSkipsOperator(t *testing.T) {
	h := newHarness(t)
	calls := newCounter()
	h.register(countingOperator("count", calls))

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "job", Operator: "count"}}}
	a := h.start(def, nil)
	hs := &hookStore{Store: h.store}
	d := h.dispatcherOn(hs)
	h.tick(d)

	var killed atomic.Bool
	var killErr error
	hs.mu.Lock()
	hs.beforeAttempt = func() {
		if killed.CompareAndSwap(false, true) {
			killErr = h.ctrl.KillAttempt(context.Background(), a.ID)
		}
	}
	hs.mu.Unlock()
	h.tick(d) // job claimed, killed before the operator is looked up
	require.True(t, killed.Load())
	require.NoError(t, killErr)

	assert.Zero(t, calls.count("+wf+job"))
	job := h.tasks(a.ID)["+wf+job"]
	assert.Equal(t, schema.TaskCanceled, job.State)
	assert.Empty(t, job.WorkerID)

	done := h.drive(d, a.ID, time.Second)
	assert.Equal(t, schema.AttemptCanceled, done.Status())
	assert.Zero(t, calls.count("+wf+job"))
}

func TestDispatcher_PollStateSurvivesDispatcherRestarts(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	blob := schema.Params{"job": "42", "cursor": "page-3"}
	h.register(&operator.Func{
		Name: "poller",
		Fn: func(_ context.Context, req *operator.Request) operator.Result {
			if rec.add(req) <= 3 {
				return operator.PollLater(2*time.Second, blob)
			}
			return operator.Success(nil)
		},
	})

	def := &schema.WorkflowDefinition{Name: "wf", Tasks: []schema.TaskDefinition{{Name: "job", Operator: "poller"}}}
	a := h.start(def, nil)

	// Every round runs on a fresh dispatcher, as after a process restart.
	finished := false
	for range 100 {
		d := h.dispatcher()
		h.tick(d)
		d.Pool().Shutdown()
		cur, err := h.store.GetAttempt(h.ctx, a.ID)
		require.NoError(t, err)
		if cur.Done {
			assert.True(t, cur.Success)
			finished = true
			break
		}
		h.clock.Advance(time.Second)
	}
	require.True(t, finished)

	reqs := rec.get("+wf+job")
	require.Len(t, reqs, 4)
	assert.Empty(t, reqs[0].LastState)
	for _, req := range reqs[1:] {
		assert.Equal(t, blob, req.LastState)
	}

	events, err := h.ctrl.Events(h.ctx, a.ID, 0)
	require.NoError(t, err)
	job := h.tasks(a.ID)["+wf+job"]
	workers := map[any]bool{}
	for _, ev := range events {
		if ev.Type == schema.EventTaskClaimed && ev.TaskID == job.ID {
			workers[ev.Payload["worker_id"]] = true
		}
	}
	assert.Len(t, workers, 4, "each poll ran on a different worker")
}
