package core

import "time"

// BackoffPolicy describes a capped exponential backoff.
type BackoffPolicy struct {
	Initial     time.Duration
	Coefficient float64
	Max         time.Duration
}

// DefaultLockBackoff is the polling policy used while waiting for a contended
// backend lock.
var DefaultLockBackoff = BackoffPolicy{
	Initial:     time.Millisecond,
	Coefficient: 2.0,
	Max:         50 * time.Millisecond,
}

// CalculateBackoff returns the delay before the given attempt (1-based).
func CalculateBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := policy.Coefficient
	if coef < 1 {
		coef = 1
	}
	delay := float64(policy.Initial)
	for i := 1; i < attempt; i++ {
		delay *= coef
		if policy.Max > 0 && delay >= float64(policy.Max) {
			return policy.Max
		}
	}
	if policy.Max > 0 && time.Duration(delay) > policy.Max {
		return policy.Max
	}
	return time.Duration(delay)
}
