package poller

import "time"

// Decision is what a poller does after a failed iteration.
type Decision int

const (
	Continue Decision = iota
	Fatal
)

func (d Decision) String() string {
	if d == Fatal {
		return "fatal"
	}
	return "continue"
}

// RetryPolicy retries at a fixed interval until MaxConsecutiveErrors failures
// in a row. There is no backoff.
type RetryPolicy struct {
	MaxConsecutiveErrors int
	Interval             time.Duration
}

// Decide returns Fatal once consecutive reaches the threshold.
func (p RetryPolicy) Decide(consecutive int) Decision {
	if p.MaxConsecutiveErrors > 0 && consecutive >= p.MaxConsecutiveErrors {
		return Fatal
	}
	return Continue
}
