package queue

import "time"

// Strategy selects how the retry delay grows with attempts.
type Strategy string

const (
	BackoffExponential Strategy = "exponential"
	BackoffFixed       Strategy = "fixed"
)

// MaxDelay caps exponential growth.
const MaxDelay = 24 * time.Hour

// Backoff is the base delay and growth strategy applied between attempts.
type Backoff struct {
	Strategy Strategy      `json:"strategy"`
	Delay    time.Duration `json:"delay"`
}

// Duration returns the delay before the next attempt after the given number
// of failed attempts. Exponential: Delay × 2^(attempts-1), capped at
// MaxDelay. Fixed: Delay.
func (b Backoff) Duration(attempts int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Strategy == BackoffFixed || attempts <= 1 {
		return b.Delay
	}
	if b.Delay >= MaxDelay {
		return b.Delay
	}
	shift := attempts - 1
	if shift >= 62 || b.Delay > MaxDelay>>shift {
		return MaxDelay
	}
	return b.Delay << shift
}
