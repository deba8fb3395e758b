package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

const (
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

// retryPlan is a step's retry policy with durations parsed and defaults
// applied.
type retryPlan struct {
	maxAttempts int
	backoff     string
	delay       time.Duration
	maxDelay    time.Duration
}

// buildRetryPlan resolves a step's effective retry policy. A step without a
// policy inherits the template's max_retries as extra attempts; backoff
// defaults to exponential.
func buildRetryPlan(step *schema.StepDefinition, tpl *schema.WorkflowTemplate) retryPlan {
	plan := retryPlan{
		maxAttempts: 1,
		backoff:     "exponential",
		delay:       defaultRetryDelay,
		maxDelay:    defaultRetryMaxDelay,
	}
	if tpl != nil && tpl.MaxRetries > 0 {
		plan.maxAttempts = tpl.MaxRetries + 1
	}

	if step.Retry == nil {
		return plan
	}

	if step.Retry.MaxAttempts > 0 {
		plan.maxAttempts = step.Retry.MaxAttempts
	}
	if step.Retry.Backoff != "" {
		plan.backoff = step.Retry.Backoff
	}
	if d, err := time.ParseDuration(step.Retry.Delay); err == nil && d > 0 {
		plan.delay = d
	}
	if d, err := time.ParseDuration(step.Retry.MaxDelay); err == nil && d > 0 {
		plan.maxDelay = d
	}
	return plan
}

// backoffDelay computes the wait before the given attempt (2-based: there is
// no wait before the first attempt).
func (p retryPlan) backoffDelay(attempt int) time.Duration {
	var d time.Duration
	switch p.backoff {
	case "none":
		return 0
	case "constant":
		d = p.delay
	case "linear":
		d = p.delay * time.Duration(attempt-1)
		if d < 0 {
			d = p.maxDelay
		}
	default: // exponential
		// Double up to the cap instead of shifting blindly: a large attempt
		// count would overflow the duration and skip the backoff entirely.
		d = p.delay
		for i := 2; i < attempt && d < p.maxDelay; i++ {
			d <<= 1
			if d <= 0 {
				d = p.maxDelay
				break
			}
		}
	}
	if p.maxDelay > 0 && d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// isRetryable reports whether an error permits another attempt. Context
// cancellation never retries; structured errors decide by code; anything
// else is treated as a transient tool failure.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	return true
}

// waitBackoff sleeps for d or until the context is cancelled.
func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
