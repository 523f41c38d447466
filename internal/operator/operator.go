// Package operator defines the contract between the engine and the code that
// performs a task, plus the engine's own control-flow operators.
package operator

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/pkg/schema"
)

// Operator performs one task type. Run must not block past ctx and reports
// every outcome through Result; a panic is caught by the engine and treated
// as a retryable failure.
type Operator interface {
	Type() string
	// Schema is a JSON Schema for the rendered config; nil accepts anything.
	Schema() map[string]any
	// SecretKeys lists the secret keys the task may read. A key ending in
	// ".*" grants a prefix.
	SecretKeys(config schema.Params) []string
	Run(ctx context.Context, req *Request) Result
}

// Describer is implemented by operators that document themselves.
type Describer interface {
	Description() string
}

// Request is everything an invocation sees.
type Request struct {
	AttemptID   int64
	TaskID      int64
	SiteID      int64
	ProjectID   int64
	TaskName    string
	SessionTime time.Time

	// Config is the task's rendered and validated configuration.
	Config schema.Params
	// Params is the merged parameter document of the task.
	Params schema.Params
	// LastState is what the previous PollLater returned; empty on the first call.
	LastState schema.Params

	RetryCount int
	// Canceled is set when the attempt was killed while the task was suspended.
	Canceled bool

	Secrets secrets.Provider
	Logger  *slog.Logger
	Now     time.Time
}

// Func adapts a plain function to Operator.
type Func struct {
	Name         string
	Doc          string
	ConfigSchema map[string]any
	Secrets      []string
	Fn           func(ctx context.Context, req *Request) Result
}

func (f *Func) Type() string { return f.Name }
func (f *Func) Description() string { return f.Doc }
func (f *Func) Schema() map[string]any { return f.ConfigSchema }
func (f *Func) SecretKeys(_ schema.Params) []string { return f.Secrets }

func (f *Func) Run(ctx context.Context, req *Request) Result {
	return f.Fn(ctx, req)
}

var _ Operator = (*Func)(nil)
