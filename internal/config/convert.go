package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"recworker/internal/executor"
	"recworker/internal/job"
	"recworker/internal/notify/wsgateway"
	"recworker/internal/observability/httpserver"
	"recworker/internal/schedule"
	"recworker/internal/storage"
	logx "recworker/pkg/logx"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultExportDir       = "./exports"

	defaultAdminAddr   = "127.0.0.1:8080"
	defaultNotifyAddr  = "127.0.0.1:8081"
	defaultMetricsAddr = "127.0.0.1:9464"
)

// Params holds job parameters. YAML scalars (numbers, bools) are accepted
// and kept in their textual form.
type Params map[string]string

func (p *Params) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Params, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var scalar any
		if err := json.Unmarshal(v, &scalar); err != nil {
			return fmt.Errorf("param %q: %w", k, err)
		}
		switch x := scalar.(type) {
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			return fmt.Errorf("param %q: must be a scalar", k)
		}
	}
	*p = out
	return nil
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Location resolves scheduler.timezone; empty means time.Local.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (c SchedulerConfig) Resolve() (schedule.Config, error) {
	poll, err := ParseDurationField("scheduler.poll_interval", c.PollInterval)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Provider:     strings.ToLower(strings.TrimSpace(c.Provider)),
		PollInterval: poll,
		InstanceID:   strings.TrimSpace(c.InstanceID),
		ClaimBatch:   c.ClaimBatch,
	}, nil
}

func (c ExecutorConfig) Resolve() (executor.Config, error) {
	var (
		out  executor.Config
		errs fieldErrs
	)
	out.MaxConcurrentJobs = c.MaxConcurrentJobs
	out.HistorySize = c.HistorySize
	out.CircuitTripFailures = c.CircuitTripFailures
	out.DefaultTimeout = errs.dur("executor.default_timeout", c.DefaultTimeout)
	out.GracePeriod = errs.dur("executor.grace_period", c.GracePeriod)
	out.CircuitOpenFor = errs.dur("executor.circuit_open_for", c.CircuitOpenFor)
	out.Retry = job.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   errs.dur("executor.retry_base", c.RetryBase),
		MaxDelay:    errs.dur("executor.retry_max_delay", c.RetryMaxDelay),
		Jitter:      c.RetryJitter,
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs.add(fmt.Errorf("executor.retry_jitter: must be within [0,1]"))
	}
	if c.MaxConcurrentJobs < 0 {
		errs.add(fmt.Errorf("executor.max_concurrent_jobs: must be >= 0"))
	}
	return out, errs.join()
}

func (c StorageConfig) Resolve() (storage.Config, error) {
	var errs fieldErrs
	out := storage.Config{
		Driver:        strings.ToLower(strings.TrimSpace(c.Driver)),
		Triggers:      strings.ToLower(strings.TrimSpace(c.Triggers)),
		Path:          strings.TrimSpace(c.Path),
		BusyTimeout:   errs.dur("storage.busy_timeout", c.BusyTimeout),
		Retention:     errs.dur("storage.retention", c.Retention),
		RedisAddr:     strings.TrimSpace(c.RedisAddr),
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		KeyPrefix:     c.KeyPrefix,
		ClaimTTL:      errs.dur("storage.claim_ttl", c.ClaimTTL),
	}
	switch out.Driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		errs.add(fmt.Errorf("storage.driver: unknown %q (none|file|sqlite)", c.Driver))
	}
	switch out.Triggers {
	case "", "none", "sqlite", "redis":
	default:
		errs.add(fmt.Errorf("storage.triggers: unknown %q (none|sqlite|redis)", c.Triggers))
	}
	if out.Triggers == "redis" && out.RedisAddr == "" {
		errs.add(fmt.Errorf("storage.redis_addr: required when triggers=redis"))
	}
	if (out.Driver == "file" || strings.HasPrefix(out.Driver, "sqlite")) && out.Path == "" {
		errs.add(fmt.Errorf("storage.path: required for driver %q", out.Driver))
	}
	return out, errs.join()
}

func (c NotifyConfig) Gateway() wsgateway.Config {
	return wsgateway.Config{
		SendBuffer:     c.SendBuffer,
		RatePerSec:     c.RatePerSec,
		AllowedOrigins: append([]string(nil), c.AllowedOrigins...),
	}
}

func (c NotifyConfig) Server() httpserver.Config {
	return httpserver.Config{Name: "notify", Addr: orDefault(c.Addr, defaultNotifyAddr), AllowInsecure: c.AllowInsecure}
}

func (c NotifyConfig) RoutePath() string { return orDefault(c.Path, "/ws") }

func (c AdminConfig) Server() httpserver.Config {
	return httpserver.Config{
		Name:          "admin",
		Addr:          orDefault(c.Addr, defaultAdminAddr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
	}
}

func (c MetricsConfig) Server() httpserver.Config {
	return httpserver.Config{
		Name:          "metrics",
		Addr:          orDefault(c.Addr, defaultMetricsAddr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
	}
}

func (c MetricsConfig) RoutePath() string { return orDefault(c.Path, "/metrics") }

func (c MetricsConfig) Interval() (time.Duration, error) {
	return ParseDurationField("metrics.collect_interval", c.CollectInterval)
}

func (c *Config) ShutdownBudget() time.Duration {
	d, err := ParseDurationOrDefault("shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return DefaultShutdownTimeout
	}
	return d
}

func (c *Config) ExportPath() string { return orDefault(c.ExportDir, DefaultExportDir) }

// Descriptor builds the immutable job definition. Triggers are evaluated in loc.
func (j JobConfig) Descriptor(loc *time.Location) (job.Descriptor, error) {
	name := strings.TrimSpace(j.Name)
	prefix := "jobs[" + name + "]"
	var errs fieldErrs

	trig, err := job.ParseTriggerIn(j.Trigger, loc)
	if err != nil {
		errs.add(fmt.Errorf("%s.trigger: %w", prefix, err))
	}
	d := job.Descriptor{
		Name:         name,
		Handler:      strings.TrimSpace(j.Handler),
		Trigger:      trig,
		Timeout:      errs.dur(prefix+".timeout", j.Timeout),
		AllowOverlap: j.AllowOverlap,
		Retry: job.RetryPolicy{
			MaxAttempts: j.MaxAttempts,
			BaseDelay:   errs.dur(prefix+".retry_base", j.RetryBase),
			MaxDelay:    errs.dur(prefix+".retry_max_delay", j.RetryMaxDelay),
			Jitter:      -1,
		},
		Params: job.Params(j.Params).Clone(),
	}
	if j.MaxAttempts < 0 {
		errs.add(fmt.Errorf("%s.max_attempts: must be >= 0", prefix))
	}
	if j.RetryJitter != nil {
		if *j.RetryJitter < 0 || *j.RetryJitter > 1 {
			errs.add(fmt.Errorf("%s.retry_jitter: must be within [0,1]", prefix))
		}
		d.Retry.Jitter = *j.RetryJitter
	}
	if err := errs.join(); err != nil {
		return job.Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return job.Descriptor{}, err
	}
	return d, nil
}

// Descriptors builds every job, in file order.
func (c *Config) Descriptors() ([]job.Descriptor, error) {
	loc, err := c.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	var errs fieldErrs
	out := make([]job.Descriptor, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		d, err := jc.Descriptor(loc)
		if err != nil {
			errs.add(err)
			continue
		}
		out = append(out, d)
	}
	if err := errs.join(); err != nil {
		return nil, err
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
