// Package retry computes backoff delays for failed task attempts.
package retry

import "time"

// Policy is an exponential backoff with a hard cap. The zero value is not
// usable; use DefaultPolicy or fill every field from configuration.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
}

// DefaultPolicy returns the stock backoff: 60s base, doubling, capped at
// one hour, three attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:       60 * time.Second,
		Multiplier: 2,
		Cap:        time.Hour,
		MaxRetries: 3,
	}
}

// NextDelay returns the wait before attempt retryCount+1:
// min(base * multiplier^retryCount, cap).
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.Base)
	for i := 0; i < retryCount; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether a task that already consumed retryCount
// retries has any attempts left.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
