package worker

import "time"

// BackoffPolicy governs re-attempts for a job. It is owned by the pool and
// independent of any broker configuration; the queue only executes the
// delays this policy hands it.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns how long to wait before re-running a job that has already
// been attempted `attempt + 1` times: base, base*m, base*m^2, ...
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Exhausted reports whether a job delivered `attempt` times before has no
// retry budget left after the current attempt fails.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}
