package store

import (
	"context"
	"fmt"
)

// Heartbeat registers the worker on first call and refreshes its liveness
// timestamp afterwards.
func (s *SQLStore) Heartbeat(ctx context.Context, w *Worker) error {
	if w.HeartbeatAt.IsZero() {
		w.HeartbeatAt = s.now()
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = w.HeartbeatAt
	}
	_, err := execBuilder(ctx, s.db, s.sb.Insert("workers").
		Columns("id", "hostname", "started_at", "heartbeat_at").
		Values(w.ID, w.Hostname, toMillis(w.StartedAt), toMillis(w.HeartbeatAt)).
		Suffix("ON CONFLICT (id) DO UPDATE SET heartbeat_at = excluded.heartbeat_at, hostname = excluded.hostname"))
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", w.ID, err)
	}
	return nil
}
