package scheduler

import (
	"time"

	"github.com/cuemby/aico-slmf/pkg/ferr"
)

// RetryPolicy governs how a failed task execution is rescheduled (§4.9).
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches §4.9's stated default: exponential backoff,
// base 60s, doubling, capped at 3600s, at most 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 60 * time.Second, MaxDelay: 3600 * time.Second, MaxAttempts: 3}
}

// NextDelay returns the backoff delay before retry attempt n (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// isPermanent reports whether err is a permanent failure (§4.9: not
// retried) as opposed to a transient one. Any error not wrapped with
// pkg/ferr's TaskPermanentError/TaskTransientError kinds is treated as
// transient, since an unclassified failure is more likely an incidental
// fault than a structural one.
func isPermanent(err error) bool {
	return ferr.Is(err, ferr.TaskPermanentError)
}
