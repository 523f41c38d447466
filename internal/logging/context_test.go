package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Zero(t, AttemptID(ctx))
	assert.Zero(t, TaskID(ctx))
	assert.Equal(t, "", WorkerID(ctx))

	ctx = WithTask(ctx, 12, 345)
	ctx = WithWorkerID(ctx, "w-1")

	assert.Equal(t, int64(12), AttemptID(ctx))
	assert.Equal(t, int64(345), TaskID(ctx))
	assert.Equal(t, "w-1", WorkerID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithWorkerID(WithAttemptID(context.Background(), 7), "w-9")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "attempt_id=7")
	assert.Contains(t, out, "worker_id=w-9")
	assert.NotContains(t, out, "task_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "dispatcher")

	logger.InfoContext(WithTask(context.Background(), 3, 4), "claimed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "claimed", rec["msg"])
	assert.Equal(t, float64(3), rec["attempt_id"])
	assert.Equal(t, float64(4), rec["task_id"])
	assert.Equal(t, "dispatcher", rec["component"])
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", FormatJSON, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger, err = New("debug", FormatText, &buf)
	require.NoError(t, err)
	logger.DebugContext(WithAttemptID(context.Background(), 5), "text line")
	assert.Contains(t, buf.String(), "text line")
	assert.Contains(t, buf.String(), "attempt_id")

	_, err = New("loud", FormatText, &buf)
	assert.Error(t, err)
	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
}
