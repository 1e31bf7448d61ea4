package storage

import (
	"context"
	"errors"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
	"recworker/internal/metrics"
)

// AuditHandler records every event and, for job completions, the run itself.
type AuditHandler struct {
	store Store
}

func NewAuditHandler(s Store) *AuditHandler { return &AuditHandler{store: s} }

func (h *AuditHandler) Handle(ctx context.Context, ev events.Event) error {
	if h.store == nil {
		return nil
	}
	err := h.store.AppendEvent(ctx, ev)
	if c, ok := ev.(events.JobCompleted); ok {
		err = errors.Join(err, h.store.AppendRun(ctx, RunFromEvent(c)))
	}
	return err
}

// RunFromEvent rebuilds the terminal run carried by a completion event.
func RunFromEvent(c events.JobCompleted) job.Run {
	return job.Run{
		ID:          c.RunID,
		Job:         c.Job,
		ScheduledAt: c.ScheduledAt,
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
		Status:      job.Status(c.Status),
		Attempt:     c.Attempt,
		Class:       c.Class,
		ErrorDetail: c.ErrorDetail,
		Abandoned:   c.Abandoned,
	}
}

// Collector samples store row counts and the last day of run outcomes.
type Collector struct {
	store  Store
	window time.Duration
}

func NewCollector(s Store, window time.Duration) *Collector {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Collector{store: s, window: window}
}

func (*Collector) Name() string { return "storage" }

func (c *Collector) Collect(ctx context.Context, s metrics.Sink) error {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return err
	}
	s.SetGauge("recworker_store_rows", float64(st.Runs), metrics.Labels{"table": "job_runs"})
	s.SetGauge("recworker_store_rows", float64(st.Events), metrics.Labels{"table": "events"})
	s.SetGauge("recworker_store_rows", float64(st.Triggers), metrics.Labels{"table": "triggers"})

	rs, err := c.store.RunStats(ctx, time.Now().Add(-c.window))
	if err != nil {
		return err
	}
	for _, status := range []job.Status{job.StatusSucceeded, job.StatusFailed, job.StatusTimedOut, job.StatusCancelled} {
		s.SetGauge("recworker_stats_runs", float64(rs.Count(status)), metrics.Labels{"status": string(status)})
	}
	return nil
}
