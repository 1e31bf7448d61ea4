package executor

import (
	"context"

	"recworker/internal/metrics"
)

// Collector publishes executor occupancy gauges.
type Collector struct{ e *Executor }

func NewCollector(e *Executor) Collector { return Collector{e: e} }

func (Collector) Name() string { return "executor" }

func (c Collector) Collect(_ context.Context, s metrics.Sink) error {
	snap := c.e.Snapshot()
	s.SetGauge("recworker_executor_in_flight", float64(snap.InFlight), nil)
	s.SetGauge("recworker_executor_queued", float64(snap.Queued), nil)
	s.SetGauge("recworker_executor_circuit_open", float64(snap.CircuitOpen), nil)
	return nil
}
