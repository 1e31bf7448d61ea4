package metrics

import (
	"context"

	"recworker/internal/events"
)

// Handler turns domain events into counters. Register it before slower
// handlers so metrics stay current even when a push is slow.
type Handler struct {
	sink Sink
}

func NewHandler(s Sink) *Handler {
	if s == nil {
		s = NopSink{}
	}
	return &Handler{sink: s}
}

func (h *Handler) Handle(_ context.Context, ev events.Event) error {
	h.sink.IncCounter("recworker_events_total", Labels{"kind": string(ev.Kind())})

	switch e := ev.(type) {
	case events.JobCompleted:
		h.sink.IncCounter("recworker_job_runs_total", Labels{"job": e.Job, "status": e.Status})
		if !e.StartedAt.IsZero() {
			h.sink.RecordTimer("recworker_job_duration_seconds", e.Duration, Labels{"job": e.Job})
		}
		if e.Abandoned {
			h.sink.IncCounter("recworker_job_abandoned_total", Labels{"job": e.Job})
		}
	case events.JobFailed:
		h.sink.IncCounter("recworker_job_failed_total", Labels{"job": e.Job, "class": e.Class})
	case events.JobSkipped:
		h.sink.IncCounter("recworker_job_skipped_total", Labels{"job": e.Job, "reason": e.Reason})
	}
	return nil
}

// FaultCounter is an events.FaultHook counting handler faults.
func FaultCounter(s Sink) events.FaultHook {
	return func(kind events.Kind, handler string, _ error) {
		s.IncCounter("recworker_event_handler_faults_total", Labels{"kind": string(kind), "handler": handler})
	}
}
