package runtime

import (
	"math"
	"math/rand"
	"time"
)

// NodePolicy carries the per-node configuration the scheduler consults
// when dispatching: an optional timeout override and an optional retry
// policy for transient handler failures.
type NodePolicy struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// RetryPolicy governs retrying a handler after a transient failure,
// adapted from the teacher's policy.go. MaxAttempts counts the total
// number of tries, including the first; Retryable decides which errors
// are worth a retry at all.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// ComputeBackoff returns the delay before attempt (0-based), exponential in
// attempt and shortened by a random jitter of up to 25% to avoid
// thundering-herd retries. Shared
// by the scheduler's handler-retry path and store.StateStore's
// PersistenceError retry.
func ComputeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rng.Int63n(int64(delay)/2 + 1))
	return delay - jitter/2
}

// getNodeTimeout resolves the effective per-node timeout with the
// precedence rule from §5: NodePolicy.Timeout, if set, wins; otherwise the
// engine-wide default applies; a zero result means unlimited.
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}
