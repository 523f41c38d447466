package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowctl/pkg/schema"
)

// RetryBackoff returns the delay before retry number retryCount+1 under
// policy. Constant policies wait Interval every time; exponential ones double
// it per retry, capped at MaxInterval when set.
func RetryBackoff(policy *schema.RetryPolicy, retryCount int) time.Duration {
	if policy == nil || policy.Interval <= 0 {
		return 0
	}

	var b retry.Backoff
	switch policy.IntervalType {
	case schema.IntervalExponential:
		b = retry.NewExponential(policy.Interval.Std())
	default:
		b = retry.NewConstant(policy.Interval.Std())
	}
	if policy.MaxInterval > 0 {
		b = retry.WithCappedDuration(policy.MaxInterval.Std(), b)
	}

	var delay time.Duration
	for range retryCount + 1 {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

// hasRetryBudget reports whether a task with this policy may retry again.
func hasRetryBudget(policy *schema.RetryPolicy, retryCount int) bool {
	return policy != nil && retryCount < policy.Limit
}

// isRetryableFailure decides whether an operator failure may be retried.
// The operator's own verdict comes first; a coded error can still veto it.
func isRetryableFailure(err error, operatorRetryable bool) bool {
	if !operatorRetryable || err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.IsRetryable()
	}
	return true
}
