package reminders

import "time"

// RetryPolicy computes the delay before the n-th retry. The first len(Ladder)
// retries follow the ladder; after that the last step doubles per retry up to Cap.
type RetryPolicy struct {
	Ladder []time.Duration
	Cap    time.Duration
}

// DefaultRetryPolicy is 5m, 15m, 30m then doubling, capped at 1h.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Ladder: []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
		Cap:    time.Hour,
	}
}

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if len(p.Ladder) == 0 {
		return p.Cap
	}
	if n < 1 {
		n = 1
	}
	if n <= len(p.Ladder) {
		return p.Ladder[n-1]
	}
	d := p.Ladder[len(p.Ladder)-1]
	for i := 0; i < n-len(p.Ladder); i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	return d
}

// DelayFor applies the reminder's own retry_interval as a floor on the ladder.
func (p RetryPolicy) DelayFor(n int, interval time.Duration) time.Duration {
	d := p.Delay(n)
	if interval > d {
		return interval
	}
	return d
}
