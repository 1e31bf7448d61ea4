package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"recworker/internal/observability/httpserver"
	"recworker/internal/schedule"
)

// fieldErrs collects problems so one pass reports all of them.
type fieldErrs []error

func (e *fieldErrs) add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

func (e *fieldErrs) dur(path, raw string) time.Duration {
	d, err := ParseDurationField(path, raw)
	e.add(err)
	return d
}

func (e fieldErrs) join() error { return errors.Join(e...) }

// Validate checks the whole file without touching the network or disk.
// Handler names are resolved later against the registry.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs fieldErrs

	sc, err := c.Scheduler.Resolve()
	errs.add(err)
	switch sc.Provider {
	case "", schedule.ProviderInternal:
	case schedule.ProviderPersistent:
		st := strings.ToLower(strings.TrimSpace(c.Storage.Triggers))
		drv := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		if st == "none" || (st == "" && !strings.HasPrefix(drv, "sqlite")) {
			errs.add(errors.New("scheduler.provider=persistent needs storage.triggers (sqlite or redis)"))
		}
	default:
		errs.add(fmt.Errorf("scheduler.provider: unknown %q (internal|persistent)", c.Scheduler.Provider))
	}
	if c.Scheduler.ClaimBatch < 0 {
		errs.add(errors.New("scheduler.claim_batch: must be >= 0"))
	}

	_, err = c.Executor.Resolve()
	errs.add(err)
	_, err = c.Storage.Resolve()
	errs.add(err)
	_, err = c.Metrics.Interval()
	errs.add(err)
	_, err = ParseDurationField("shutdown_timeout", c.ShutdownTimeout)
	errs.add(err)

	if c.Notify.SendBuffer < 0 || c.Notify.RatePerSec < 0 {
		errs.add(errors.New("notify: send_buffer and rate_per_sec must be >= 0"))
	}
	for _, s := range []struct {
		on  bool
		cfg httpserver.Config
	}{
		{c.Admin.Enabled, c.Admin.Server()},
		{c.Metrics.Enabled, c.Metrics.Server()},
		{c.Notify.Enabled, c.Notify.Server()},
	} {
		if s.on {
			errs.add(httpserver.CheckBind(s.cfg))
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs.add(fmt.Errorf("jobs[%d].name: required", i))
			continue
		}
		if seen[name] {
			errs.add(fmt.Errorf("jobs[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
	}
	if len(errs) == 0 {
		_, err = c.Descriptors()
		errs.add(err)
	}
	return errs.join()
}
