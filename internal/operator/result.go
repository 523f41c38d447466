package operator

import (
	"time"

	"github.com/rendis/flowctl/pkg/schema"
)

// Kind tells which variant a Result holds.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
	KindPollLater
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindPollLater:
		return "poll_later"
	}
	return "unknown"
}

// Result is exactly one of Success, Failure or PollLater. Build it with the
// constructors; only the fields of its Kind are read.
type Result struct {
	Kind Kind

	// Success
	StoreParams  schema.Params
	ExportParams schema.Params
	Subtasks     []schema.TaskDefinition
	Parallel     bool

	// Failure
	Err       error
	Retryable bool

	// PollLater
	Interval time.Duration
	State    schema.Params
}

// Success completes the task. store is merged into the parameters of every
// task that runs after it in the attempt.
func Success(store schema.Params) Result {
	return Result{Kind: KindSuccess, StoreParams: store}
}

// WithExport sets params visible to the task's own descendants.
func (r Result) WithExport(export schema.Params) Result {
	r.ExportParams = export
	return r
}

// WithSubtasks turns the task into a group owning the generated children.
// Children run in order unless parallel is set.
func (r Result) WithSubtasks(tasks []schema.TaskDefinition, parallel bool) Result {
	r.Subtasks = tasks
	r.Parallel = parallel
	return r
}

// Failure fails the invocation. A retryable failure consumes the task's
// retry budget; a terminal one moves the task to error at once.
func Failure(err error, retryable bool) Result {
	return Result{Kind: KindFailure, Err: err, Retryable: retryable}
}

// Fail derives retryability from the error code. Errors without a code are
// retryable.
func Fail(err error) Result {
	return Failure(err, schema.AsError(err, schema.ErrCodeOperatorFailed).IsRetryable())
}

// PollLater suspends the task without holding a worker. The engine calls Run
// again no sooner than interval (or the configured minimum) with LastState
// set to state.
func PollLater(interval time.Duration, state schema.Params) Result {
	return Result{Kind: KindPollLater, Interval: interval, State: state}
}
