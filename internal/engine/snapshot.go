package engine

import (
	"time"

	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// TaskSnapshot is the client view of one task row. Field names are stable:
// log followers decide completion from State.
//
// RetryCount counts re-runs of this row. A group retry creates fresh rows
// instead, so their count restarts at zero and Generation carries the
// group's retry count at the time they were created.
type TaskSnapshot struct {
	ID           int64            `json:"id" yaml:"id"`
	FullName     string           `json:"full_name" yaml:"full_name"`
	State        schema.TaskState `json:"state" yaml:"state"`
	ParentID     *int64           `json:"parent_id" yaml:"parent_id"`
	Upstreams    []int64          `json:"upstreams" yaml:"upstreams"`
	Operator     string           `json:"operator,omitempty" yaml:"operator,omitempty"`
	Config       schema.Params    `json:"config" yaml:"config"`
	ExportParams schema.Params    `json:"export_params" yaml:"export_params"`
	StoreParams  schema.Params    `json:"store_params" yaml:"store_params"`
	StateParams  schema.Params    `json:"state_params" yaml:"state_params"`
	RetryCount   int              `json:"retry_count" yaml:"retry_count"`
	Generation   int              `json:"generation" yaml:"generation"`
	IsGroup      bool             `json:"is_group" yaml:"is_group"`
	Superseded   bool             `json:"superseded,omitempty" yaml:"superseded,omitempty"`
	Error        *schema.Error    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at" yaml:"updated_at"`
}

func snapshotTask(t *store.Task) TaskSnapshot {
	s := TaskSnapshot{
		ID:           t.ID,
		FullName:     t.FullName,
		State:        t.State,
		Upstreams:    append([]int64{}, t.Upstreams...),
		Operator:     t.Operator,
		Config:       t.Config.Clone(),
		ExportParams: t.ExportParams.Clone(),
		StoreParams:  t.StoreParams.Clone(),
		StateParams:  t.StateParams.Clone(),
		RetryCount:   t.RetryCount,
		Generation:   t.Generation,
		IsGroup:      t.IsGroup,
		Superseded:   t.Superseded,
		Error:        t.Error,
		StartedAt:    t.StartedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.ParentID != 0 {
		id := t.ParentID
		s.ParentID = &id
	}
	return s
}

// AttemptSnapshot is the client view of an attempt.
type AttemptSnapshot struct {
	ID              int64                    `json:"id" yaml:"id"`
	ProjectID       int64                    `json:"project_id" yaml:"project_id"`
	Workflow        string                   `json:"workflow" yaml:"workflow"`
	WorkflowID      int64                    `json:"workflow_id" yaml:"workflow_id"`
	SessionID       int64                    `json:"session_id" yaml:"session_id"`
	SessionTime     time.Time                `json:"session_time" yaml:"session_time"`
	Name            string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Params          schema.Params            `json:"params,omitempty" yaml:"params,omitempty"`
	Status          schema.AttemptStatus     `json:"status" yaml:"status"`
	Done            bool                     `json:"done" yaml:"done"`
	Success         bool                     `json:"success" yaml:"success"`
	CancelRequested bool                     `json:"cancel_requested" yaml:"cancel_requested"`
	RetryOf         int64                    `json:"retry_of,omitempty" yaml:"retry_of,omitempty"`
	CreatedAt       time.Time                `json:"created_at" yaml:"created_at"`
	FinishedAt      *time.Time               `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Tasks           map[schema.TaskState]int `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

func snapshotAttempt(a *store.Attempt) *AttemptSnapshot {
	return &AttemptSnapshot{
		ID:              a.ID,
		ProjectID:       a.ProjectID,
		Workflow:        a.WorkflowName,
		WorkflowID:      a.WorkflowID,
		SessionID:       a.SessionID,
		SessionTime:     a.SessionTime,
		Name:            a.Name,
		Params:          a.Params,
		Status:          a.Status(),
		Done:            a.Done,
		Success:         a.Success,
		CancelRequested: a.CancelRequested,
		RetryOf:         a.RetryOf,
		CreatedAt:       a.CreatedAt,
		FinishedAt:      a.FinishedAt,
	}
}
