package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// AttemptStarter starts the attempt of one scheduled session.
// Satisfied by engine.Controller (avoids import cycle).
type AttemptStarter interface {
	StartScheduled(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (int64, error)
}

// DefaultTick is how often due schedules are checked.
const DefaultTick = 30 * time.Second

// Scheduler starts an attempt at every cron slot of every enabled schedule.
type Scheduler struct {
	store   store.Store
	starter AttemptStarter
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. A zero tick uses DefaultTick.
func NewScheduler(s store.Store, starter AttemptStarter, logger *slog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:   s,
		starter: starter,
		logger:  logger,
		tick:    tick,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "tick", s.tick)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Missed slots are recovered by the first tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts the due slot of every due schedule. A schedule that missed
// several slots while nobody was running starts only the oldest one and
// then jumps to its next slot after now; backfill covers the rest.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return 0
	}

	started := 0
	for _, sch := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.runSchedule(ctx, sch, now)
		if err != nil {
			s.logger.Error("failed to run schedule",
				slog.Int64("schedule_id", sch.ID),
				slog.String("workflow", sch.WorkflowName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			started++
		}
	}
	return started
}

// runSchedule claims the slot by advancing the schedule, then starts it. A
// start that fails gives the slot back.
func (s *Scheduler) runSchedule(ctx context.Context, sch *store.Schedule, now time.Time) (bool, error) {
	sessionTime := sch.NextRunAt
	next, err := NextRun(sch.Cron, sch.Timezone, now)
	if err != nil {
		return false, err
	}
	if err := s.store.AdvanceSchedule(ctx, sch.ID, sch.NextRunAt, next, sessionTime); err != nil {
		if errors.Is(err, schema.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	attemptID, err := s.starter.StartScheduled(ctx, sch.ProjectID, sch.WorkflowName, sessionTime)
	if errors.Is(err, schema.ErrConflict) {
		s.logger.Warn("session already has an active attempt",
			slog.String("workflow", sch.WorkflowName), slog.Time("session_time", sessionTime))
		return false, nil
	}
	if err != nil {
		s.releaseSlot(ctx, sch, sessionTime, next, err)
		return false, err
	}
	s.logger.Info("started scheduled attempt",
		slog.String("workflow", sch.WorkflowName),
		slog.Time("session_time", sessionTime),
		slog.Int64("attempt_id", attemptID),
		slog.Time("next_run_at", next),
	)
	return true, nil
}

// releaseSlot moves the schedule back to a slot whose attempt could not be
// started, so a later tick tries it again. A missing or invalid workflow
// would fail the same way every tick; that slot stays skipped and is left
// to backfill.
func (s *Scheduler) releaseSlot(ctx context.Context, sch *store.Schedule, sessionTime, next time.Time, cause error) {
	log := s.logger.With(
		slog.Int64("schedule_id", sch.ID),
		slog.String("workflow", sch.WorkflowName),
		slog.Time("session_time", sessionTime),
	)
	switch schema.CodeOf(cause) {
	case schema.ErrCodeNotFound, schema.ErrCodeValidation:
		log.Error("scheduled slot skipped, needs backfill", slog.String("error", cause.Error()))
		return
	}

	var last time.Time
	if sch.LastSessionTime != nil {
		last = *sch.LastSessionTime
	}
	if err := s.store.AdvanceSchedule(context.WithoutCancel(ctx), sch.ID, next, sessionTime, last); err != nil {
		log.Error("scheduled slot lost, needs backfill", slog.String("error", err.Error()))
		return
	}
	log.Warn("scheduled slot released for another try", slog.String("error", cause.Error()))
}

// Stop shuts the loop down and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
