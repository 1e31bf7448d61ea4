package job

import (
	"math/rand"
	"time"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusTimedOut  Status = "TimedOut"
	StatusCancelled Status = "Cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Run is one execution instance of a job. Retries keep the run id and bump Attempt.
type Run struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Status      Status    `json:"status"`
	Attempt     int       `json:"attempt"`
	Class       string    `json:"class,omitempty"`
	ErrorDetail string    `json:"error,omitempty"`
	// Abandoned is set when the body ignored cancellation past the grace period.
	Abandoned bool `json:"abandoned,omitempty"`
}

func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Backoff returns the delay after a failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay, with optional jitter.
// A RetryAfter hint replaces the computed delay (still capped).
func Backoff(p RetryPolicy, attempt int, hint time.Duration, hasHint bool, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	if hasHint {
		d = hint
	} else {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
