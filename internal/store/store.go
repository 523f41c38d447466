package store

import (
	"context"
	"time"

	"github.com/rendis/flowctl/pkg/schema"
)

// Store is the persistence contract of the engine. The task table is the
// single source of truth: every state change is a conditional write.
type Store interface {
	// Projects and workflows
	PutProject(ctx context.Context, siteID int64, name string) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	FindProject(ctx context.Context, siteID int64, name string) (*Project, error)
	PutWorkflow(ctx context.Context, projectID int64, def *schema.WorkflowDefinition) (*Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)
	LatestWorkflow(ctx context.Context, projectID int64, name string) (*Workflow, error)

	// Sessions and attempts
	CreateAttempt(ctx context.Context, req *NewAttempt, tasks []NewTask) (*Attempt, error)
	GetAttempt(ctx context.Context, id int64) (*Attempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]*Attempt, error)
	ListActiveAttempts(ctx context.Context) ([]*Attempt, error)
	FindSession(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (*Session, error)
	RequestCancel(ctx context.Context, attemptID int64) error
	FinishAttempt(ctx context.Context, attemptID int64, success bool, at time.Time) error

	// Tasks
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, attemptID int64) ([]*Task, error)
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	ListOrphaned(ctx context.Context, heartbeatBefore time.Time) ([]*Task, error)
	ListClaimedBy(ctx context.Context, workerID string) ([]*Task, error)
	ApplyTaskMutation(ctx context.Context, m *TaskMutation) error
	ListTaskEvents(ctx context.Context, attemptID, sinceID int64) ([]*TaskEvent, error)

	// Workers
	Heartbeat(ctx context.Context, w *Worker) error

	// Schedules
	PutSchedule(ctx context.Context, sch *Schedule) (*Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	ListSchedules(ctx context.Context, projectID int64) ([]*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	AdvanceSchedule(ctx context.Context, id int64, expectNext, next, sessionTime time.Time) error

	// Secrets (values are opaque ciphertext)
	PutSecret(ctx context.Context, siteID, projectID int64, key string, value []byte) error
	GetSecret(ctx context.Context, siteID, projectID int64, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, siteID, projectID int64, key string) error
	ListSecretKeys(ctx context.Context, siteID, projectID int64) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
