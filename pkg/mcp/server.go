package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/streaming"
	"github.com/rendis/flowctl/pkg/schema"
)

// Controller is the part of engine.Controller the tools call.
type Controller interface {
	PushWorkflow(ctx context.Context, project string, def *schema.WorkflowDefinition) (*store.Workflow, error)
	StartAttempt(ctx context.Context, req engine.StartRequest) (*store.Attempt, error)
	KillAttempt(ctx context.Context, attemptID int64) error
	RetryAttempt(ctx context.Context, attemptID int64, sel schema.RetrySelector) (*store.Attempt, error)
	Backfill(ctx context.Context, scheduleID int64, from, to time.Time, opts engine.BackfillOptions) (*engine.BackfillResult, error)
	GetAttempt(ctx context.Context, attemptID int64) (*engine.AttemptSnapshot, error)
	GetTasks(ctx context.Context, attemptID int64, includeSuperseded bool) ([]engine.TaskSnapshot, error)
	ListAttempts(ctx context.Context, filter store.AttemptFilter) ([]*engine.AttemptSnapshot, error)
}

var _ Controller = (*engine.Controller)(nil)

// ServerDeps holds the dependencies of a Server.
type ServerDeps struct {
	Controller Controller
	// Hub, when set, reports attempts finished by the local dispatcher
	// without waiting for the next poll.
	Hub        streaming.Hub
	Project    string
	Logger     *slog.Logger
	// WatchInterval is how often watched attempts are polled for completion.
	WatchInterval time.Duration
}

// Server exposes the attempt control surface as MCP tools.
type Server struct {
	ctrl      Controller
	hub       streaming.Hub
	project   string
	jq        *expressions.GoJQEngine
	watches   *WatchRegistry
	notifier  *Notifier
	interval  time.Duration
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every flowctl tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	interval := deps.WatchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	s := &Server{
		ctrl:     deps.Controller,
		hub:      deps.Hub,
		project:  deps.Project,
		jq:       expressions.NewGoJQEngine(),
		watches:  NewWatchRegistry(),
		interval: interval,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowctl",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("flowctl runs workflow attempts. Use flowctl.push to store a workflow, flowctl.start to start an attempt for a session, flowctl.attempt and flowctl.tasks to follow it, flowctl.kill to cancel it, flowctl.retry to re-run a finished attempt and flowctl.backfill to start missed schedule slots."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.watches)
	return s
}

// Serve starts the stdio transport and the attempt watcher, and blocks until
// ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watch(ctx)

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var finished <-chan streaming.Event
	if s.hub != nil {
		ch, cancel, err := s.hub.Subscribe(ctx, streaming.Filter{
			Types: []string{schema.EventAttemptSucceeded, schema.EventAttemptFailed},
		})
		if err != nil {
			s.logger.Warn("subscribe to attempt events", "error", err)
		} else {
			defer cancel()
			finished = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifyFinished(ctx)
		case ev, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}
			if _, watched := s.watches.SessionFor(ev.AttemptID); watched {
				s.notifyFinished(ctx)
			}
		}
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: pushTool(), Handler: s.handlePush},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: killTool(), Handler: s.handleKill},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: backfillTool(), Handler: s.handleBackfill},
		{Tool: attemptTool(), Handler: s.handleAttempt},
		{Tool: tasksTool(), Handler: s.handleTasks},
	}
}

// --- Tool definitions ---

func pushTool() mcp.Tool {
	return mcp.NewTool("flowctl.push",
		mcp.WithDescription("Store a workflow definition as the next revision of its name"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("yaml", mcp.Description("Workflow definition as YAML, used when definition is absent")),
		mcp.WithString("project", mcp.Description("Project name (default: server project)")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flowctl.start",
		mcp.WithDescription("Start an attempt of a workflow for a session"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("session_time", mcp.Description("Session time in RFC3339 (default: now)")),
		mcp.WithObject("params", mcp.Description("Attempt parameters, overriding workflow defaults")),
		mcp.WithString("name", mcp.Description("Attempt name")),
		mcp.WithString("project", mcp.Description("Project name (default: server project)")),
		mcp.WithBoolean("notify", mcp.Description("Send a notification to this session when the attempt finishes")),
	)
}

func killTool() mcp.Tool {
	return mcp.NewTool("flowctl.kill",
		mcp.WithDescription("Request cancellation of a running attempt"),
		mcp.WithNumber("attempt_id", mcp.Required(), mcp.Description("Attempt ID")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("flowctl.retry",
		mcp.WithDescription("Re-run a finished attempt as a new attempt of the same session"),
		mcp.WithNumber("attempt_id", mcp.Required(), mcp.Description("Attempt ID")),
		mcp.WithString("mode", mcp.Required(),
			mcp.Enum(schema.RetryAll, schema.RetryFailed, schema.RetryFrom),
			mcp.Description("Which tasks re-run"),
		),
		mcp.WithString("from", mcp.Description("Full task name to re-run from (mode=from)")),
		mcp.WithBoolean("notify", mcp.Description("Send a notification to this session when the attempt finishes")),
	)
}

func backfillTool() mcp.Tool {
	return mcp.NewTool("flowctl.backfill",
		mcp.WithDescription("Start attempts for the schedule slots in [from, to) that have no session"),
		mcp.WithNumber("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
		mcp.WithString("from", mcp.Required(), mcp.Description("First slot, RFC3339")),
		mcp.WithString("to", mcp.Required(), mcp.Description("End of range (exclusive), RFC3339")),
		mcp.WithNumber("count", mcp.Description("Maximum number of attempts to start")),
		mcp.WithBoolean("dry_run", mcp.Description("Only list the session times")),
		mcp.WithString("name", mcp.Description("Attempt name")),
	)
}

func attemptTool() mcp.Tool {
	return mcp.NewTool("flowctl.attempt",
		mcp.WithDescription("Get an attempt, or list recent attempts when attempt_id is absent"),
		mcp.WithNumber("attempt_id", mcp.Description("Attempt ID")),
		mcp.WithString("workflow", mcp.Description("Filter the listing by workflow name")),
		mcp.WithBoolean("running", mcp.Description("List only unfinished attempts")),
		mcp.WithNumber("limit", mcp.Description("Maximum attempts listed (default: 20)")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("flowctl.tasks",
		mcp.WithDescription("Get the task snapshots of an attempt"),
		mcp.WithNumber("attempt_id", mcp.Required(), mcp.Description("Attempt ID")),
		mcp.WithBoolean("include_superseded", mcp.Description("Include rows replaced by a group retry")),
		mcp.WithString("jq", mcp.Description("jq filter applied to the task list")),
	)
}
