package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/logging"
	"github.com/rendis/flowctl/pkg/schema"
)

// Sender delivers a notification to one client session.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier tells watching sessions that their attempt finished.
type Notifier struct {
	sender  Sender
	watches *WatchRegistry
}

// NewNotifier creates a notifier that pushes through sender.
func NewNotifier(sender Sender, watches *WatchRegistry) *Notifier {
	return &Notifier{sender: sender, watches: watches}
}

// Notify sends the final snapshot of an attempt to its watcher and forgets
// the watch. A session that went away is not an error.
func (n *Notifier) Notify(snap *engine.AttemptSnapshot) error {
	sessionID, ok := n.watches.SessionFor(snap.ID)
	if !ok {
		return nil
	}
	n.watches.Forget(snap.ID)
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "flowctl",
		"data": map[string]any{
			"attempt_id": snap.ID,
			"workflow":   snap.Workflow,
			"status":     snap.Status,
			"tasks":      snap.Tasks,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.watches.RemoveSession(sessionID)
		return nil
	}
	return err
}

// notifyFinished polls every watched attempt once.
func (s *Server) notifyFinished(ctx context.Context) {
	for _, id := range s.watches.Attempts() {
		snap, err := s.ctrl.GetAttempt(ctx, id)
		if err != nil {
			logging.LogWith(logging.WithAttemptID(ctx, id), s.logger).Warn("watch attempt", "error", err)
			if schema.CodeOf(err) == schema.ErrCodeNotFound {
				s.watches.Forget(id)
			}
			continue
		}
		if !snap.Done {
			continue
		}
		if err := s.notifier.Notify(snap); err != nil {
			logging.LogWith(logging.WithAttemptID(ctx, id), s.logger).Warn("notify attempt finished", "error", err)
		}
	}
}
