package storage

import (
	"context"
	"errors"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver selects the audit store ("none", "file", "sqlite"). Triggers selects
// the durable trigger store ("sqlite", "redis"); empty means sqlite when the
// audit driver is sqlite and no trigger store otherwise.
type Config struct {
	Driver      string
	Triggers    string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention enables opportunistic pruning on append; 0 leaves pruning to
	// the cleanup job.
	Retention time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	// ClaimTTL bounds how long a redis claim marker lives.
	ClaimTTL time.Duration
}

// Store is the audit sink for terminal runs and domain events.
type Store interface {
	AppendRun(ctx context.Context, r job.Run) error
	AppendEvent(ctx context.Context, ev events.Event) error
	// RecentRuns returns up to limit runs, most recently ended first.
	RecentRuns(ctx context.Context, limit int) ([]job.Run, error)
	RunStats(ctx context.Context, since time.Time) (RunStats, error)
	// Prune deletes runs and events older than before and reports rows removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// RunStats aggregates runs that ended inside a window.
type RunStats struct {
	Since       time.Time      `json:"since"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	AvgDuration time.Duration  `json:"avg_duration"`
}

func (s RunStats) Count(st job.Status) int { return s.ByStatus[string(st)] }

// Stats reports row counts per table.
type Stats struct {
	Runs     int64 `json:"runs"`
	Events   int64 `json:"events"`
	Triggers int64 `json:"triggers"`
}
