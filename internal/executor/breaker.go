package executor

import (
	"github.com/sony/gobreaker"

	logx "recworker/pkg/logx"
)

// newBreaker builds the two-step breaker gating admission for one job.
// Allow is taken at submit time and its done callback fires when the run
// reaches a terminal status, so a retried run counts once.
func newBreaker(name string, cfg Config, log logx.Logger) *gobreaker.TwoStepCircuitBreaker {
	if cfg.CircuitTripFailures < 0 {
		return nil
	}
	trip := uint32(cfg.CircuitTripFailures)
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.CircuitOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("job circuit state changed",
				logx.String("job", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
}
