package store

import (
	"time"

	"github.com/rendis/flowctl/pkg/schema"
)

// Project groups workflows and secrets under a site.
type Project struct {
	ID        int64     `json:"id"`
	SiteID    int64     `json:"site_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is one immutable revision of a pushed workflow definition.
type Workflow struct {
	ID         int64                      `json:"id"`
	ProjectID  int64                      `json:"project_id"`
	Name       string                     `json:"name"`
	Revision   int                        `json:"revision"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Session identifies a (project, workflow, session time) slot.
type Session struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	WorkflowName string    `json:"workflow_name"`
	SessionTime  time.Time `json:"session_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attempt is one run of a session.
type Attempt struct {
	ID              int64                 `json:"id"`
	SessionID       int64                 `json:"session_id"`
	WorkflowID      int64                 `json:"workflow_id"`
	ProjectID       int64                 `json:"project_id"`
	SiteID          int64                 `json:"site_id"`
	WorkflowName    string                `json:"workflow_name"`
	SessionTime     time.Time             `json:"session_time"`
	Name            string                `json:"name,omitempty"`
	Params          schema.Params         `json:"params,omitempty"`
	Done            bool                  `json:"done"`
	Success         bool                  `json:"success"`
	CancelRequested bool                  `json:"cancel_requested"`
	RetryOf         int64                 `json:"retry_of,omitempty"`
	RetrySelector   *schema.RetrySelector `json:"retry_selector,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
}

// Status folds the attempt flags into one status string.
func (a *Attempt) Status() schema.AttemptStatus {
	return schema.DeriveAttemptStatus(a.Done, a.Success, a.CancelRequested)
}

// NewAttempt is the input of CreateAttempt.
type NewAttempt struct {
	ProjectID     int64
	SiteID        int64
	WorkflowID    int64
	WorkflowName  string
	SessionTime   time.Time
	Name          string
	Params        schema.Params
	RetryOf       int64
	RetrySelector *schema.RetrySelector
}

// Task is one persisted node of an attempt's task graph.
type Task struct {
	ID           int64                  `json:"id"`
	AttemptID    int64                  `json:"attempt_id"`
	ParentID     int64                  `json:"parent_id,omitempty"`
	FullName     string                 `json:"full_name"`
	Upstreams    []int64                `json:"upstreams"`
	State        schema.TaskState       `json:"state"`
	Operator     string                 `json:"operator,omitempty"`
	Definition   *schema.TaskDefinition `json:"-"`
	Config       schema.Params          `json:"config"`
	ExportParams schema.Params          `json:"export_params"`
	StoreParams  schema.Params          `json:"store_params"`
	StateParams  schema.Params          `json:"state_params"`
	RetryCount   int                    `json:"retry_count"`
	Generation   int                    `json:"generation"`
	Superseded   bool                   `json:"superseded,omitempty"`
	IsGroup      bool                   `json:"is_group"`
	Error        *schema.Error          `json:"error,omitempty"`
	NotBefore    time.Time              `json:"not_before"`
	WorkerID     string                 `json:"worker_id,omitempty"`
	Version      int64                  `json:"version"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Clone returns a copy safe to modify and hand to UpdateTask.
func (t *Task) Clone() *Task {
	c := *t
	c.Upstreams = append([]int64(nil), t.Upstreams...)
	c.Config = t.Config.Clone()
	c.ExportParams = t.ExportParams.Clone()
	c.StoreParams = t.StoreParams.Clone()
	c.StateParams = t.StateParams.Clone()
	return &c
}

// NewTask is a task row to insert. Parent and upstream references may point
// at earlier entries of the same insert batch by index; ParentIndex -1 keeps
// Task.ParentID as is.
type NewTask struct {
	Task            *Task
	ParentIndex     int
	UpstreamIndexes []int
}

// TaskEvent is one entry of the per-attempt audit log.
type TaskEvent struct {
	ID        int64          `json:"id"`
	AttemptID int64          `json:"attempt_id"`
	TaskID    int64          `json:"task_id,omitempty"`
	Type      string         `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskMutation is applied in one transaction. Every update is conditional on
// the version the caller read; any mismatch rolls the whole mutation back
// with schema.ErrConflict.
type TaskMutation struct {
	Updates []*Task
	Inserts []NewTask
	Events  []*TaskEvent
	// LiveAttempt additionally requires the attempt of every updated task to
	// have no cancel request. Claims of ready tasks set it.
	LiveAttempt bool
}

// Worker is a dispatcher process that may hold task claims.
type Worker struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Schedule starts a workflow at every cron slot.
type Schedule struct {
	ID              int64      `json:"id"`
	ProjectID       int64      `json:"project_id"`
	WorkflowName    string     `json:"workflow_name"`
	Cron            string     `json:"cron"`
	Timezone        string     `json:"timezone"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastSessionTime *time.Time `json:"last_session_time,omitempty"`
	Disabled        bool       `json:"disabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AttemptFilter narrows ListAttempts.
type AttemptFilter struct {
	ProjectID    int64
	WorkflowName string
	SessionID    int64
	Done         *bool
	Limit        int
}
