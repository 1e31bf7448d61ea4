package executor

import (
	"context"
	"errors"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
)

var (
	ErrStopped         = errors.New("executor stopped")
	ErrUnknownJob      = errors.New("unknown job")
	ErrDuplicateJob    = errors.New("job already registered")
	ErrOverlapRejected = errors.New("job skipped: previous run still active")
	ErrCircuitOpen     = errors.New("job skipped: circuit breaker open")
)

// Skip reasons carried by job.skipped events.
const (
	SkipOverlap     = "overlap"
	SkipCircuitOpen = "circuit_open"
)

// Config controls the executor. Zero values take defaults.
type Config struct {
	MaxConcurrentJobs int

	// DefaultTimeout applies to jobs without their own timeout. 0 means no timeout.
	DefaultTimeout time.Duration

	// GracePeriod is how long a timed-out or cancelled body may take to return
	// before its slot is reclaimed and the body is abandoned.
	GracePeriod time.Duration

	HistorySize int

	// Retry supplies defaults for jobs that leave their policy unset.
	Retry job.RetryPolicy

	// Circuit breaker (per job, consecutive failures).
	//
	// If CircuitTripFailures < 0, the breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitOpenFor      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	c.Retry = c.Retry.WithDefaults()
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitOpenFor <= 0 {
		c.CircuitOpenFor = 30 * time.Second
	}
	return c
}

// Emitter receives the events raised by job runs. *events.Dispatcher satisfies it.
type Emitter interface {
	DispatchAll(ctx context.Context, evs ...events.Event)
}

// Snapshot is a point-in-time view for diagnostics and metrics.
type Snapshot struct {
	MaxConcurrent int  `json:"max_concurrent"`
	InFlight      int  `json:"in_flight"`
	PeakInFlight  int  `json:"peak_in_flight"`
	Queued        int  `json:"queued"`
	Jobs          int  `json:"jobs"`
	Stopping      bool `json:"stopping"`
	CircuitOpen   int  `json:"circuit_open"`

	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Abandoned uint64 `json:"abandoned"`
	Retries   uint64 `json:"retries"`
	Skipped   uint64 `json:"skipped"`
}

type counters struct {
	succeeded, failed, timedOut, cancelled uint64
	abandoned, retries, skipped            uint64
}

func (c *counters) record(r job.Run) {
	switch r.Status {
	case job.StatusSucceeded:
		c.succeeded++
	case job.StatusFailed:
		c.failed++
	case job.StatusTimedOut:
		c.timedOut++
	case job.StatusCancelled:
		c.cancelled++
	}
	if r.Abandoned {
		c.abandoned++
	}
}
