// Package streaming fans task transitions committed by a dispatcher out to
// in-process subscribers such as `flowctl run` and the MCP watcher.
// Subscribers only see what this process commits; other dispatchers are
// observed through the store.
package streaming

import (
	"context"
	"time"
)

// Event is one committed task or attempt transition.
type Event struct {
	AttemptID int64          `json:"attempt_id"`
	TaskID    int64          `json:"task_id,omitempty"`
	Type      string         `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Filter selects the events a subscriber receives. Zero values match all.
type Filter struct {
	AttemptID int64    `json:"attempt_id,omitempty"`
	TaskID    int64    `json:"task_id,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// Hub provides pub/sub for committed transitions.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
