package balances

import (
	"time"

	"github.com/hibiken/asynq"
)

// RetryPolicy bounds how often the queue redelivers a failing delta.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows five attempts with delays doubling from one second up to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// MaxRetry is the number of redeliveries after the first attempt.
func (p RetryPolicy) MaxRetry() int {
	return p.normalized().MaxAttempts - 1
}

// Delay returns base * 2^retried, capped at MaxDelay.
func (p RetryPolicy) Delay(retried int) time.Duration {
	p = p.normalized()
	if retried < 0 {
		retried = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retried; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return delay
}

// RetryDelayFunc adapts the policy to the asynq server. Other task types keep asynq's default.
func (p RetryPolicy) RetryDelayFunc() asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if t != nil && t.Type() != TaskApplyDelta {
			return asynq.DefaultRetryDelayFunc(n, err, t)
		}
		return p.Delay(n)
	}
}
