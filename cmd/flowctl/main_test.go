package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/pkg/schema"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "flowctl.yaml", `
project: cli
database:
  driver: libsql
  dsn: file:`+filepath.Join(dir, "flowctl.db")+`
engine:
  workers: 2
  tick: 10ms
scheduler:
  enabled: false
log:
  level: error
`)
}

func TestParseParams(t *testing.T) {
	file := writeFile(t, t.TempDir(), "params.yaml", "region: us\nlimits:\n  rows: 10\n  depth: 2\n")

	p, err := parseParams(file, []string{"region=eu", "count=3", "note=a=b", "limits={rows: 20}"})
	require.NoError(t, err)
	assert.Equal(t, "eu", p["region"])
	assert.Equal(t, 3, p.Int("count", 0))
	assert.Equal(t, "a=b", p["note"])
	rows, _ := p.Get("limits.rows")
	assert.EqualValues(t, 20, rows)
	depth, _ := p.Get("limits.depth")
	assert.EqualValues(t, 2, depth)

	_, err = parseParams("", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

type scriptedReader struct {
	snaps []*engine.AttemptSnapshot
	calls int
}

func (r *scriptedReader) GetAttempt(context.Context, int64) (*engine.AttemptSnapshot, error) {
	s := r.snaps[min(r.calls, len(r.snaps)-1)]
	r.calls++
	return s, nil
}

func TestWaitAttempt(t *testing.T) {
	minWaitInterval, maxWaitInterval = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { minWaitInterval, maxWaitInterval = 500*time.Millisecond, 10*time.Second })

	running := func(n int) *engine.AttemptSnapshot {
		return &engine.AttemptSnapshot{ID: 1, Status: schema.AttemptRunning,
			Tasks: map[schema.TaskState]int{schema.TaskRunning: n}}
	}
	r := &scriptedReader{snaps: []*engine.AttemptSnapshot{
		running(1), running(1), running(1), running(2),
		{ID: 1, Status: schema.AttemptError, Done: true},
	}}

	var seen []int
	snap, err := waitAttempt(context.Background(), r, 1, func(s *engine.AttemptSnapshot) {
		seen = append(seen, s.Tasks[schema.TaskRunning])
	})
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 5, r.calls)

	var failed *attemptFailedError
	require.True(t, errors.As(outcome(snap), &failed))
	assert.Equal(t, schema.AttemptError, failed.Status)
}

func TestWaitAttemptCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedReader{snaps: []*engine.AttemptSnapshot{{ID: 1, Status: schema.AttemptRunning}}}
	_, err := waitAttempt(ctx, r, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "yaml", map[string]any{"ok": true}))
	assert.Equal(t, "ok: true\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, "json", map[string]any{"ok": true}))
	assert.JSONEq(t, `{"ok": true}`, buf.String())

	assert.Error(t, printResult(&buf, "xml", nil))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestRunCommand(t *testing.T) {
	cfg := testConfig(t)
	wf := writeFile(t, t.TempDir(), "report.yaml", `
name: report
params:
  region: us
tasks:
  - name: extract
    operator: store
    config:
      store:
        rows: 5
  - name: announce
    operator: echo
    config:
      message: "${rows} rows in ${region}"
`)

	out, err := execute(t, "--config", cfg, "run", wf, "-p", "region=eu", "--session", "2024-01-01T00:00:00Z")
	require.NoError(t, err, out)

	var snap engine.AttemptSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, schema.AttemptSuccess, snap.Status)
	assert.Equal(t, "report", snap.Workflow)
	assert.Equal(t, 3, snap.Tasks[schema.TaskSuccess])

	out, err = execute(t, "--config", cfg, "tasks", "1", "--jq", "[.[] | .full_name]")
	require.NoError(t, err, out)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Equal(t, []string{"+report", "+report+extract", "+report+announce"}, names)

	out, err = execute(t, "--config", cfg, "-o", "yaml", "attempts", "--workflow", "report")
	require.NoError(t, err, out)
	assert.Contains(t, out, "workflow: report")

	out, err = execute(t, "--config", cfg, "retry", "1", "--mode", "all")
	require.NoError(t, err, out)
	var retried engine.AttemptSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &retried))
	assert.EqualValues(t, 1, retried.RetryOf)
	assert.Equal(t, snap.SessionID, retried.SessionID)
	assert.Equal(t, schema.AttemptRunning, retried.Status)
}

func TestRunCommandFailure(t *testing.T) {
	cfg := testConfig(t)
	wf := writeFile(t, t.TempDir(), "broken.yaml", `
name: broken
tasks:
  - name: boom
    operator: fail
    config:
      message: nope
`)
	_, err := execute(t, "--config", cfg, "run", wf)
	var failed *attemptFailedError
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, schema.AttemptError, failed.Status)

	_, err = execute(t, "--config", cfg, "kill", "1")
	assert.True(t, errors.Is(err, schema.ErrConflict))
}

func TestCommandsRejectBadArguments(t *testing.T) {
	cfg := testConfig(t)

	_, err := execute(t, "--config", cfg, "kill", "abc")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "start", "report", "--session", "yesterday")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "retry", "1", "--mode", "some")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "attempt", "42")
	assert.True(t, errors.Is(err, schema.ErrNotFound))
}

func TestPushRejectsMisspelledKeys(t *testing.T) {
	cfg := testConfig(t)
	wf := writeFile(t, t.TempDir(), "typo.yaml", `
name: typo
tasks:
  - name: extract
    operator: noop
  - name: load
    operator: noop
    depend_on: [extract]
`)
	_, err := execute(t, "--config", cfg, "push", wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "depend_on")

	_, err = execute(t, "--config", cfg, "run", wf)
	assert.Error(t, err)
}
