package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowctl/internal/validation"
)

// MaxSessionTimes caps a single SessionTimes expansion.
const MaxSessionTimes = 10000

func parse(cronExpr, tz string) (cron.Schedule, *time.Location, error) {
	sched, err := validation.ParseCron(cronExpr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	return sched, loc, nil
}

// NextRun returns the first slot strictly after after, evaluated in tz.
func NextRun(cronExpr, tz string, after time.Time) (time.Time, error) {
	sched, loc, err := parse(cronExpr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// SessionTimes lists the slots in [from, to), oldest first.
func SessionTimes(cronExpr, tz string, from, to time.Time) ([]time.Time, error) {
	sched, loc, err := parse(cronExpr, tz)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for t := sched.Next(from.Add(-time.Second).In(loc)); !t.IsZero() && t.Before(to); t = sched.Next(t) {
		if t.Before(from) {
			continue
		}
		if len(out) == MaxSessionTimes {
			return nil, fmt.Errorf("more than %d session times between %s and %s", MaxSessionTimes,
				from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		out = append(out, t.UTC())
	}
	return out, nil
}
