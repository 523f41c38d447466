package schema

// Event type constants for the task event log.
const (
	EventAttemptStarted   = "attempt_started"
	EventAttemptSucceeded = "attempt_succeeded"
	EventAttemptFailed    = "attempt_failed"
	EventAttemptKillReq   = "attempt_kill_requested"

	EventTaskReady        = "task_ready"
	EventTaskClaimed      = "task_claimed"
	EventTaskSucceeded    = "task_succeeded"
	EventTaskPlanned      = "task_planned"
	EventTaskPolling      = "task_polling"
	EventTaskRetryWaiting = "task_retry_waiting"
	EventTaskFailed       = "task_failed"
	EventTaskGroupRetry   = "task_group_retry_waiting"
	EventTaskGroupFailed  = "task_group_failed"
	EventTaskCanceled     = "task_canceled"
	EventTaskRecovered    = "task_recovered"
	EventTaskReleased     = "task_released"
	EventTaskSuperseded   = "task_superseded"
)

// TaskState is the lifecycle state of a single task row.
type TaskState string

const (
	TaskBlocked           TaskState = "blocked"
	TaskReady             TaskState = "ready"
	TaskRunning           TaskState = "running"
	TaskRetryWaiting      TaskState = "retry_waiting"
	TaskGroupRetryWaiting TaskState = "group_retry_waiting"
	TaskPlanned           TaskState = "planned"
	TaskSuccess           TaskState = "success"
	TaskError             TaskState = "error"
	TaskGroupError        TaskState = "group_error"
	TaskCanceled          TaskState = "canceled"
)

// AllTaskStates lists every state in lifecycle order.
var AllTaskStates = []TaskState{
	TaskBlocked, TaskReady, TaskRunning, TaskRetryWaiting, TaskGroupRetryWaiting,
	TaskPlanned, TaskSuccess, TaskError, TaskGroupError, TaskCanceled,
}

// Terminal reports whether no further transition leaves this state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskError, TaskGroupError, TaskCanceled:
		return true
	}
	return false
}

// Failed reports whether the state is a terminal non-success state.
func (s TaskState) Failed() bool {
	return s.Terminal() && s != TaskSuccess
}

// Waiting reports whether the task sleeps on a timer.
func (s TaskState) Waiting() bool {
	return s == TaskRetryWaiting || s == TaskGroupRetryWaiting
}

// IsFinished is what log followers use to decide a task will not produce more
// output. planned groups are finished from their own point of view.
func (s TaskState) IsFinished() bool {
	switch s {
	case TaskBlocked, TaskReady, TaskRetryWaiting, TaskGroupRetryWaiting, TaskRunning:
		return false
	}
	return true
}

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	for _, v := range AllTaskStates {
		if v == s {
			return true
		}
	}
	return false
}

// AttemptStatus is a derived, human readable summary of an attempt.
type AttemptStatus string

const (
	AttemptRunning  AttemptStatus = "running"
	AttemptKilling  AttemptStatus = "killing"
	AttemptSuccess  AttemptStatus = "success"
	AttemptError    AttemptStatus = "error"
	AttemptCanceled AttemptStatus = "canceled"
)

// DeriveAttemptStatus folds the attempt flags into one status string.
func DeriveAttemptStatus(done, success, cancelRequested bool) AttemptStatus {
	switch {
	case !done && cancelRequested:
		return AttemptKilling
	case !done:
		return AttemptRunning
	case success:
		return AttemptSuccess
	case cancelRequested:
		return AttemptCanceled
	default:
		return AttemptError
	}
}
