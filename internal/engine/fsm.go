package engine

import (
	"time"

	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// Trigger is an input of the task state machine.
type Trigger string

const (
	TriggerDepsSatisfied     Trigger = "deps_satisfied"
	TriggerClaimed           Trigger = "claimed"
	TriggerSucceeded         Trigger = "succeeded"
	TriggerPlanned           Trigger = "planned"
	TriggerPollLater         Trigger = "poll_later"
	TriggerFailedRetryable   Trigger = "failed_retryable"
	TriggerFailed            Trigger = "failed"
	TriggerTimerElapsed      Trigger = "timer_elapsed"
	TriggerChildrenSucceeded Trigger = "children_succeeded"
	TriggerGroupRetry        Trigger = "group_retry"
	TriggerGroupFailed       Trigger = "group_failed"
	TriggerKill              Trigger = "kill"
)

// ValidTransitions maps each state and trigger to the next state. Anything
// missing is an invalid transition. Terminal states have no entry.
var ValidTransitions = map[schema.TaskState]map[Trigger]schema.TaskState{
	schema.TaskBlocked: {
		TriggerDepsSatisfied: schema.TaskReady,
		TriggerKill:          schema.TaskCanceled,
	},
	schema.TaskReady: {
		TriggerClaimed: schema.TaskRunning,
		TriggerKill:    schema.TaskCanceled,
	},
	schema.TaskRunning: {
		TriggerClaimed:         schema.TaskRunning,
		TriggerSucceeded:       schema.TaskSuccess,
		TriggerPlanned:         schema.TaskPlanned,
		TriggerPollLater:       schema.TaskRunning,
		TriggerFailedRetryable: schema.TaskRetryWaiting,
		TriggerFailed:          schema.TaskError,
		TriggerKill:            schema.TaskCanceled,
	},
	schema.TaskRetryWaiting: {
		TriggerTimerElapsed: schema.TaskReady,
		TriggerKill:         schema.TaskCanceled,
	},
	schema.TaskGroupRetryWaiting: {
		TriggerTimerElapsed: schema.TaskReady,
		TriggerKill:         schema.TaskCanceled,
	},
	schema.TaskPlanned: {
		TriggerChildrenSucceeded: schema.TaskSuccess,
		TriggerGroupRetry:        schema.TaskGroupRetryWaiting,
		TriggerGroupFailed:       schema.TaskGroupError,
		TriggerKill:              schema.TaskCanceled,
	},
}

// NextState is the pure transition function of the task state machine.
func NextState(from schema.TaskState, trigger Trigger) (schema.TaskState, error) {
	if to, ok := ValidTransitions[from][trigger]; ok {
		return to, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid task transition: %s on %s", from, trigger).
		WithDetails(map[string]any{"from": string(from), "trigger": string(trigger)})
}

// transition moves t to the next state and returns the audit event to write
// in the same mutation. t is left unchanged on error.
func transition(t *store.Task, trigger Trigger, now time.Time, payload map[string]any) (*store.TaskEvent, error) {
	to, err := NextState(t.State, trigger)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeInvalidTransition).WithTask(t.ID)
	}
	ev := &store.TaskEvent{
		AttemptID: t.AttemptID,
		TaskID:    t.ID,
		Type:      eventType(trigger, to),
		From:      string(t.State),
		To:        string(to),
		Payload:   payload,
		CreatedAt: now,
	}
	t.State = to
	return ev, nil
}

func eventType(trigger Trigger, to schema.TaskState) string {
	switch trigger {
	case TriggerClaimed:
		return schema.EventTaskClaimed
	case TriggerPollLater:
		return schema.EventTaskPolling
	}
	switch to {
	case schema.TaskReady:
		return schema.EventTaskReady
	case schema.TaskSuccess:
		return schema.EventTaskSucceeded
	case schema.TaskPlanned:
		return schema.EventTaskPlanned
	case schema.TaskRetryWaiting:
		return schema.EventTaskRetryWaiting
	case schema.TaskError:
		return schema.EventTaskFailed
	case schema.TaskGroupRetryWaiting:
		return schema.EventTaskGroupRetry
	case schema.TaskGroupError:
		return schema.EventTaskGroupFailed
	case schema.TaskCanceled:
		return schema.EventTaskCanceled
	}
	return string(trigger)
}
