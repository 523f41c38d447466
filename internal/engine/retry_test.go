package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowctl/pkg/schema"
)

func TestRetryBackoff(t *testing.T) {
	sec := schema.Duration(time.Second)
	tests := []struct {
		name   string
		policy *schema.RetryPolicy
		count  int
		want   time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no interval", &schema.RetryPolicy{Limit: 3}, 2, 0},
		{"constant", &schema.RetryPolicy{Limit: 3, Interval: sec}, 2, time.Second},
		{"exponential first", &schema.RetryPolicy{Limit: 5, Interval: sec, IntervalType: schema.IntervalExponential}, 0, time.Second},
		{"exponential third", &schema.RetryPolicy{Limit: 5, Interval: sec, IntervalType: schema.IntervalExponential}, 2, 4 * time.Second},
		{"exponential capped", &schema.RetryPolicy{Limit: 9, Interval: sec, IntervalType: schema.IntervalExponential, MaxInterval: 3 * sec}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryBackoff(tt.policy, tt.count))
		})
	}
}

func TestHasRetryBudget(t *testing.T) {
	assert.False(t, hasRetryBudget(nil, 0))
	assert.True(t, hasRetryBudget(&schema.RetryPolicy{Limit: 2}, 1))
	assert.False(t, hasRetryBudget(&schema.RetryPolicy{Limit: 2}, 2))
}

func TestIsRetryableFailure(t *testing.T) {
	plain := errors.New("connection reset")
	assert.True(t, isRetryableFailure(plain, true))
	assert.False(t, isRetryableFailure(plain, false))
	assert.False(t, isRetryableFailure(nil, true))
	assert.False(t, isRetryableFailure(fmt.Errorf("wrapped: %w", context.Canceled), true))
	assert.False(t, isRetryableFailure(schema.NewError(schema.ErrCodeConfig, "bad"), true))
	assert.True(t, isRetryableFailure(schema.NewError(schema.ErrCodeWorkerLost, "gone"), true))
}
