package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// handlePush stores a workflow revision.
func (s *Server) handlePush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return toolError("invalid definition", err), nil
	}
	wf, err := s.ctrl.PushWorkflow(ctx, s.projectFor(req), def)
	if err != nil {
		return toolError("push failed", err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"revision":    wf.Revision,
	})
}

// handleStart starts an attempt for a session.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	var sessionTime time.Time
	if raw := req.GetString("session_time", ""); raw != "" {
		if sessionTime, err = time.Parse(time.RFC3339, raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session_time: %v", err)), nil
		}
	}

	a, err := s.ctrl.StartAttempt(ctx, engine.StartRequest{
		Project:     s.projectFor(req),
		Workflow:    workflow,
		SessionTime: sessionTime,
		Params:      schema.Params(mcp.ParseStringMap(req, "params", nil)),
		Name:        req.GetString("name", ""),
	})
	if err != nil {
		return toolError("start failed", err), nil
	}
	s.captureSession(ctx, req, a.ID)
	return marshalResult(map[string]any{
		"attempt_id":   a.ID,
		"session_id":   a.SessionID,
		"session_time": a.SessionTime,
		"workflow":     a.WorkflowName,
	})
}

// handleKill requests cancellation of an attempt.
func (s *Server) handleKill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("attempt_id")
	if err != nil {
		return mcp.NewToolResultError("attempt_id is required"), nil
	}
	if err := s.ctrl.KillAttempt(ctx, int64(id)); err != nil {
		return toolError("kill failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "attempt_id": id})
}

// handleRetry re-runs a finished attempt.
func (s *Server) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("attempt_id")
	if err != nil {
		return mcp.NewToolResultError("attempt_id is required"), nil
	}
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError("mode is required"), nil
	}
	a, err := s.ctrl.RetryAttempt(ctx, int64(id), schema.RetrySelector{Mode: mode, From: req.GetString("from", "")})
	if err != nil {
		return toolError("retry failed", err), nil
	}
	s.captureSession(ctx, req, a.ID)
	return marshalResult(map[string]any{
		"attempt_id": a.ID,
		"retry_of":   a.RetryOf,
		"session_id": a.SessionID,
	})
}

// handleBackfill starts the missed slots of a schedule.
func (s *Server) handleBackfill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireInt("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	from, err := requireTime(req, "from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := requireTime(req, "to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.ctrl.Backfill(ctx, int64(scheduleID), from, to, engine.BackfillOptions{
		Count:  req.GetInt("count", 0),
		DryRun: req.GetBool("dry_run", false),
		Name:   req.GetString("name", ""),
	})
	if err != nil {
		return toolError("backfill failed", err), nil
	}
	return marshalResult(res)
}

// handleAttempt returns one attempt or a listing.
func (s *Server) handleAttempt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetInt("attempt_id", 0); id > 0 {
		snap, err := s.ctrl.GetAttempt(ctx, int64(id))
		if err != nil {
			return toolError("attempt lookup failed", err), nil
		}
		return marshalResult(snap)
	}

	filter := store.AttemptFilter{
		WorkflowName: req.GetString("workflow", ""),
		Limit:        req.GetInt("limit", 20),
	}
	if req.GetBool("running", false) {
		done := false
		filter.Done = &done
	}
	list, err := s.ctrl.ListAttempts(ctx, filter)
	if err != nil {
		return toolError("attempt listing failed", err), nil
	}
	return marshalResult(list)
}

// handleTasks returns the task snapshots of an attempt, optionally reshaped by jq.
func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("attempt_id")
	if err != nil {
		return mcp.NewToolResultError("attempt_id is required"), nil
	}
	tasks, err := s.ctrl.GetTasks(ctx, int64(id), req.GetBool("include_superseded", false))
	if err != nil {
		return toolError("task lookup failed", err), nil
	}
	filter := req.GetString("jq", "")
	if filter == "" {
		return marshalResult(tasks)
	}
	out, err := s.jq.Filter(ctx, filter, tasks)
	if err != nil {
		return toolError("jq failed", err), nil
	}
	if len(out) == 1 {
		return marshalResult(out[0])
	}
	return marshalResult(out)
}

// --- Helpers ---

func (s *Server) projectFor(req mcp.CallToolRequest) string {
	return req.GetString("project", s.project)
}

// captureSession remembers the calling session of an attempt started with
// notify set, so the watcher can report its outcome.
func (s *Server) captureSession(ctx context.Context, req mcp.CallToolRequest, attemptID int64) {
	if !req.GetBool("notify", false) {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watches.Register(attemptID, session.SessionID())
	}
}

func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if obj, ok := req.GetArguments()["definition"]; ok && obj != nil {
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("definition: %w", err)
		}
		return schema.ParseDefinitionJSON(raw)
	}
	doc := req.GetString("yaml", "")
	if doc == "" {
		return nil, fmt.Errorf("one of definition or yaml is required")
	}
	return schema.ParseDefinitionYAML([]byte(doc))
}

func requireTime(req mcp.CallToolRequest, key string) (time.Time, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// toolError reports err with its error code so clients can tell a conflict
// from a missing attempt.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %v", prefix, schema.CodeOf(err), err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
