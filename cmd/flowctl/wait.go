package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/pkg/schema"
)

var (
	minWaitInterval = 500 * time.Millisecond
	maxWaitInterval = 10 * time.Second
)

// attemptReader is the part of engine.Controller waitAttempt polls.
type attemptReader interface {
	GetAttempt(ctx context.Context, attemptID int64) (*engine.AttemptSnapshot, error)
}

// attemptFailedError reports an attempt that finished without success.
type attemptFailedError struct {
	ID     int64
	Status schema.AttemptStatus
}

func (e *attemptFailedError) Error() string {
	return fmt.Sprintf("attempt %d finished with status %s", e.ID, e.Status)
}

func outcome(snap *engine.AttemptSnapshot) error {
	if snap.Success {
		return nil
	}
	return &attemptFailedError{ID: snap.ID, Status: snap.Status}
}

// waitAttempt polls until the attempt is done. The interval doubles from
// minWaitInterval up to maxWaitInterval while nothing changes and drops back
// to the minimum whenever the task counts move. onChange sees every new
// snapshot.
func waitAttempt(ctx context.Context, r attemptReader, attemptID int64, onChange func(*engine.AttemptSnapshot)) (*engine.AttemptSnapshot, error) {
	newBackoff := func() retry.Backoff {
		return retry.WithCappedDuration(maxWaitInterval, retry.NewExponential(minWaitInterval))
	}
	b := newBackoff()
	last := ""

	for {
		snap, err := r.GetAttempt(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if snap.Done {
			return snap, nil
		}
		if key := progressKey(snap); key != last {
			last = key
			b = newBackoff()
			if onChange != nil {
				onChange(snap)
			}
		}

		delay, _ := b.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func progressKey(snap *engine.AttemptSnapshot) string {
	// fmt prints maps with sorted keys.
	return fmt.Sprint(snap.Status, snap.Tasks)
}
