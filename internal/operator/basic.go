package operator

import (
	"context"
	"time"

	"github.com/rendis/flowctl/pkg/schema"
)

func noopOperator() *Func {
	return &Func{
		Name: "noop",
		Doc:  "Succeeds without doing anything.",
		Fn: func(context.Context, *Request) Result {
			return Success(nil)
		},
	}
}

func echoOperator() *Func {
	return &Func{
		Name: "echo",
		Doc:  "Logs config.message.",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
		},
		Fn: func(_ context.Context, req *Request) Result {
			req.Logger.Info("echo", "message", req.Config.String("message", ""))
			return Success(nil)
		},
	}
}

func failOperator() *Func {
	return &Func{
		Name: "fail",
		Doc:  "Fails the task without retrying.",
		Fn: func(_ context.Context, req *Request) Result {
			msg := req.Config.String("message", "task failed")
			return Failure(schema.NewError(schema.ErrCodeOperatorFailed, msg).WithTask(req.TaskID), false)
		},
	}
}

func storeOperator() *Func {
	return &Func{
		Name: "store",
		Doc:  "Stores config.store for downstream tasks and config.export for descendants.",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"store":  map[string]any{"type": "object"},
				"export": map[string]any{"type": "object"},
			},
		},
		Fn: func(_ context.Context, req *Request) Result {
			return Success(asParams(req.Config["store"])).WithExport(asParams(req.Config["export"]))
		},
	}
}

// WaitOperator sleeps without a worker: it polls until config.duration has
// passed since the first invocation. The start time travels in the poll state.
type WaitOperator struct{}

const waitStartedAt = "started_at"

func (w *WaitOperator) Type() string        { return "wait" }
func (w *WaitOperator) Description() string { return "Waits for config.duration using poll state." }

func (w *WaitOperator) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"duration"},
		"properties": map[string]any{
			"duration":      map[string]any{"type": []any{"string", "number"}},
			"poll_interval": map[string]any{"type": []any{"string", "number"}},
		},
	}
}

func (w *WaitOperator) SecretKeys(schema.Params) []string { return nil }

func (w *WaitOperator) Run(_ context.Context, req *Request) Result {
	if req.Canceled {
		return Failure(schema.NewError(schema.ErrCodeCancelled, "wait canceled"), false)
	}
	duration, _, err := req.Config.Duration("duration")
	if err != nil {
		return Failure(schema.NewError(schema.ErrCodeConfig, err.Error()), false)
	}
	pollInterval, ok, err := req.Config.Duration("poll_interval")
	if err != nil {
		return Failure(schema.NewError(schema.ErrCodeConfig, err.Error()), false)
	}

	started := req.Now
	if raw := req.LastState.String(waitStartedAt, ""); raw != "" {
		started, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Failure(schema.NewErrorf(schema.ErrCodeOperatorFailed, "corrupt wait state %q", raw), false)
		}
	}

	remaining := started.Add(duration.Std()).Sub(req.Now)
	if remaining <= 0 {
		return Success(nil)
	}
	if ok && pollInterval.Std() > 0 && pollInterval.Std() < remaining {
		remaining = pollInterval.Std()
	}
	return PollLater(remaining, schema.Params{waitStartedAt: started.UTC().Format(time.RFC3339Nano)})
}

func asParams(v any) schema.Params {
	switch m := v.(type) {
	case map[string]any:
		return schema.Params(m)
	case schema.Params:
		return m
	}
	return nil
}
