package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"recworker/internal/events"
	"recworker/internal/job"
	rtsup "recworker/internal/runtime/supervisor"
	logx "recworker/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type entry struct {
	desc    job.Descriptor
	body    job.Body
	retry   job.RetryPolicy
	breaker *gobreaker.TwoStepCircuitBreaker
}

// Executor runs due jobs under a global concurrency cap with timeout, retry
// and per-name overlap control. Every run it admits ends in exactly one
// terminal status and raises a job.completed event.
type Executor struct {
	cfg  Config
	log  logx.Logger
	reg  *job.Registry
	emit Emitter
	warn *logx.Throttle

	mu       sync.Mutex
	jobs     map[string]*entry
	gov      *governor
	active   map[string]*queued
	hist     *history
	stats    counters
	stopping bool
	started  bool
	sup      *rtsup.Supervisor

	wake       chan struct{}
	runCtx     context.Context
	cancelRuns context.CancelFunc
	slots      sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

type outcome struct {
	evs []events.Event
	err error
}

func New(cfg Config, reg *job.Registry, emit Emitter, log logx.Logger) *Executor {
	cfg = cfg.withDefaults()
	if reg == nil {
		reg = job.NewRegistry()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:        cfg,
		log:        log,
		reg:        reg,
		emit:       emit,
		warn:       logx.NewThrottle(warnThrottleEvery),
		jobs:       make(map[string]*entry),
		gov:        newGovernor(cfg.MaxConcurrentJobs),
		active:     make(map[string]*queued),
		hist:       newHistory(cfg.HistorySize),
		wake:       make(chan struct{}, 1),
		runCtx:     runCtx,
		cancelRuns: cancel,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register resolves the descriptor's handler and makes the job submittable.
// Descriptors are immutable once registered.
func (e *Executor) Register(d job.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	body, err := e.reg.Lookup(d.Handler)
	if err != nil {
		return fmt.Errorf("job %q: %w", d.Name, err)
	}

	retry := d.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = e.cfg.Retry.MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = e.cfg.Retry.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = e.cfg.Retry.MaxDelay
	}
	if retry.Jitter < 0 {
		retry.Jitter = e.cfg.Retry.Jitter
	}
	d.Params = d.Params.Clone()
	d.Retry = retry.WithDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, d.Name)
	}
	e.jobs[d.Name] = &entry{
		desc:    d,
		body:    body,
		retry:   d.Retry,
		breaker: newBreaker(d.Name, e.cfg, e.log),
	}
	return nil
}

// Jobs returns the registered descriptors sorted by name.
func (e *Executor) Jobs() []job.Descriptor {
	e.mu.Lock()
	out := make([]job.Descriptor, 0, len(e.jobs))
	for _, ent := range e.jobs {
		out = append(out, ent.desc)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the admission loop. Runs submitted before Start stay queued.
func (e *Executor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.started || e.stopping {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	sup.GoRestart("admit", e.loop)
	e.log.Info("executor started",
		logx.Int("max_concurrent", e.cfg.MaxConcurrentJobs),
		logx.Int("jobs", len(e.Jobs())),
	)
}

// Submit hands a due notice to the executor and returns the new run id.
//
// The notice is rejected (not queued) when the job disallows overlap and a run
// of the same name is queued or running, or when its circuit breaker is open.
// Rejections raise a job.skipped event.
func (e *Executor) Submit(ctx context.Context, n job.DueNotice) (string, error) {
	name := strings.TrimSpace(n.Job)
	at := n.ScheduledAt
	if at.IsZero() {
		at = time.Now()
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return "", ErrStopped
	}
	ent, ok := e.jobs[name]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if !ent.desc.AllowOverlap && e.gov.busy(name) {
		e.stats.skipped++
		e.mu.Unlock()
		e.skip(ctx, name, SkipOverlap, at)
		return "", ErrOverlapRejected
	}
	var done func(bool)
	if ent.breaker != nil {
		d, err := ent.breaker.Allow()
		if err != nil {
			e.stats.skipped++
			e.mu.Unlock()
			e.skip(ctx, name, SkipCircuitOpen, at)
			return "", ErrCircuitOpen
		}
		done = d
	}

	q := &queued{
		run: job.Run{
			ID:          uuid.NewString(),
			Job:         name,
			ScheduledAt: at,
			Status:      job.StatusPending,
			Attempt:     1,
		},
		breakerDone: done,
	}
	e.gov.reserve(name)
	e.gov.push(q)
	e.active[q.run.ID] = q
	e.mu.Unlock()

	e.signal()
	e.log.Debug("job queued", logx.String("job", name), logx.String("run", q.run.ID), logx.Time("scheduled_at", at))
	return q.run.ID, nil
}

// Trigger submits a run of name due now.
func (e *Executor) Trigger(ctx context.Context, name string) (string, error) {
	now := time.Now()
	return e.Submit(ctx, job.DueNotice{Job: name, ScheduledAt: now, FiredAt: now})
}

func (e *Executor) skip(ctx context.Context, name, reason string, at time.Time) {
	if ok, suppressed := e.warn.Allow("skip:" + name + ":" + reason); ok {
		e.log.Info("job skipped", logx.String("job", name), logx.String("reason", reason), logx.Uint64("suppressed", suppressed))
	}
	if e.emit != nil {
		e.emit.DispatchAll(ctx, events.JobSkipped{Meta: events.NewMeta(), Job: name, Reason: reason, ScheduledAt: at})
	}
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) loop(ctx context.Context) error {
	for {
		wait := e.admit(time.Now())

		var timer *time.Timer
		var tc <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			tc = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-e.wake:
		case <-tc:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// admit starts every run that is due and fits under the cap.
func (e *Executor) admit(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.stopping {
			return -1
		}
		q, wait := e.gov.next(now)
		if q == nil {
			return wait
		}
		ent := e.jobs[q.run.Job]
		q.run.Status = job.StatusRunning
		q.run.StartedAt = now
		e.slots.Add(1)
		go e.execute(q, ent)
	}
}

func (e *Executor) execute(q *queued, ent *entry) {
	defer e.slots.Done()

	e.mu.Lock()
	run := q.run
	e.mu.Unlock()

	timeout := ent.desc.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(e.runCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(e.runCtx)
	}
	defer cancel()

	e.log.Debug("job started", logx.String("job", run.Job), logx.String("run", run.ID), logx.Int("attempt", run.Attempt))

	done := make(chan outcome, 1)
	go func() {
		evs, err := invoke(ctx, ent.body, ent.desc.Params)
		done <- outcome{evs: evs, err: err}
	}()

	var (
		out       outcome
		expired   bool
		abandoned bool
		endedAt   time.Time
	)
	select {
	case out = <-done:
		endedAt = time.Now()
		expired = out.err != nil && ctx.Err() != nil
	case <-ctx.Done():
		endedAt = time.Now()
		expired = true
		grace := time.NewTimer(e.cfg.GracePeriod)
		select {
		case out = <-done:
		case <-grace.C:
			abandoned = true
			out = outcome{err: ctx.Err()}
			e.log.Warn("job abandoned after grace period",
				logx.String("job", run.Job),
				logx.String("run", run.ID),
				logx.Duration("grace", e.cfg.GracePeriod),
			)
		}
		grace.Stop()
	}

	shutdown := e.runCtx.Err() != nil
	switch {
	case expired && shutdown:
		e.finish(q, ent, job.StatusCancelled, job.ClassCancellation, out, endedAt, abandoned)
	case expired:
		if out.err == nil {
			out.err = context.DeadlineExceeded
		}
		e.finish(q, ent, job.StatusTimedOut, job.ClassCancellation, out, endedAt, abandoned)
	case out.err == nil:
		e.finish(q, ent, job.StatusSucceeded, job.ClassPermanent, out, endedAt, false)
	default:
		class := job.Classify(out.err)
		if class == job.ClassTransient && run.Attempt < ent.retry.MaxAttempts {
			if e.retry(q, ent, out.err, endedAt) {
				return
			}
			e.finish(q, ent, job.StatusCancelled, job.ClassCancellation, out, endedAt, false)
			return
		}
		e.finish(q, ent, job.StatusFailed, class, out, endedAt, false)
	}
}

func invoke(ctx context.Context, body job.Body, p job.Params) (evs []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = job.Permanent(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return body(ctx, p.Clone())
}

// retry re-enqueues q for its next attempt, keeping the name reservation.
// It reports false when the executor is stopping.
func (e *Executor) retry(q *queued, ent *entry, cause error, now time.Time) bool {
	hint, hasHint := job.RetryAfterHint(cause)
	e.rngMu.Lock()
	delay := job.Backoff(ent.retry, q.run.Attempt, hint, hasHint, e.rng)
	e.rngMu.Unlock()

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return false
	}
	attempt := q.run.Attempt
	q.run.Attempt++
	q.run.Status = job.StatusPending
	q.run.ScheduledAt = now.Add(delay)
	q.run.ErrorDetail = cause.Error()
	q.run.Class = job.ClassTransient.String()
	e.gov.release()
	e.gov.push(q)
	e.stats.retries++
	e.mu.Unlock()

	e.log.Info("job retry scheduled",
		logx.String("job", q.run.Job),
		logx.String("run", q.run.ID),
		logx.Int("attempt", attempt+1),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	e.signal()
	return true
}

// finish settles a running run and raises its events. The run moves to
// history and its slot and name reservation are released only afterwards.
func (e *Executor) finish(q *queued, ent *entry, st job.Status, class job.Class, out outcome, endedAt time.Time, abandoned bool) {
	e.mu.Lock()
	q.run.Status = st
	q.run.EndedAt = endedAt
	q.run.Abandoned = abandoned
	if st == job.StatusSucceeded {
		q.run.Class = ""
		q.run.ErrorDetail = ""
	} else {
		q.run.Class = class.String()
		if out.err != nil {
			q.run.ErrorDetail = out.err.Error()
		}
	}
	run := q.run
	e.mu.Unlock()

	if q.breakerDone != nil {
		q.breakerDone(st == job.StatusSucceeded || st == job.StatusCancelled)
	}
	e.logTerminal(run)

	evs := terminalEvents(run)
	if st == job.StatusSucceeded {
		evs = append(evs, out.evs...)
	}
	if e.emit != nil {
		e.emit.DispatchAll(context.WithoutCancel(e.runCtx), evs...)
	}

	e.mu.Lock()
	delete(e.active, run.ID)
	e.hist.add(run)
	e.stats.record(run)
	e.gov.release()
	e.gov.unreserve(run.Job)
	e.mu.Unlock()
	e.signal()
}

func (e *Executor) logTerminal(r job.Run) {
	fields := []logx.Field{
		logx.String("job", r.Job),
		logx.String("run", r.ID),
		logx.String("status", string(r.Status)),
		logx.Int("attempt", r.Attempt),
		logx.Duration("dur", r.Duration()),
	}
	switch r.Status {
	case job.StatusSucceeded:
		e.log.Debug("job completed", fields...)
	case job.StatusCancelled:
		e.log.Info("job cancelled", fields...)
	default:
		fields = append(fields, logx.String("class", r.Class), logx.String("error", r.ErrorDetail))
		e.log.Warn("job failed", fields...)
	}
}

func terminalEvents(r job.Run) []events.Event {
	evs := []events.Event{events.JobCompleted{
		Meta:        events.NewMeta(),
		Job:         r.Job,
		RunID:       r.ID,
		Status:      string(r.Status),
		Attempt:     r.Attempt,
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Duration:    r.Duration(),
		Class:       r.Class,
		ErrorDetail: r.ErrorDetail,
		Abandoned:   r.Abandoned,
	}}
	if r.Status == job.StatusFailed {
		evs = append(evs, events.JobFailed{
			Meta:        events.NewMeta(),
			Job:         r.Job,
			RunID:       r.ID,
			Attempts:    r.Attempt,
			Class:       r.Class,
			ErrorDetail: r.ErrorDetail,
		})
	}
	return evs
}

// Shutdown stops admitting runs, cancels waiting runs as Cancelled, signals
// in-flight bodies, and waits for them to settle or for ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	first := !e.stopping
	e.stopping = true
	var drained []job.Run
	var dones []func(bool)
	if first {
		now := time.Now()
		for _, q := range e.gov.drain() {
			q.run.Status = job.StatusCancelled
			q.run.EndedAt = now
			q.run.Class = job.ClassCancellation.String()
			delete(e.active, q.run.ID)
			e.gov.unreserve(q.run.Job)
			e.hist.add(q.run)
			e.stats.record(q.run)
			drained = append(drained, q.run)
			if q.breakerDone != nil {
				dones = append(dones, q.breakerDone)
			}
		}
	}
	sup := e.sup
	e.mu.Unlock()

	e.cancelRuns()
	for _, d := range dones {
		d(true)
	}
	if e.emit != nil {
		for _, r := range drained {
			e.emit.DispatchAll(context.WithoutCancel(ctx), terminalEvents(r)...)
		}
	}
	if first && len(drained) > 0 {
		e.log.Info("queued runs cancelled", logx.Int("count", len(drained)))
	}

	settled := make(chan struct{})
	go func() {
		e.slots.Wait()
		close(settled)
	}()

	var err error
	select {
	case <-settled:
	case <-ctx.Done():
		err = fmt.Errorf("executor shutdown: %w", ctx.Err())
		e.log.Warn("executor shutdown deadline reached", logx.Err(ctx.Err()))
	}

	if sup != nil {
		sup.Cancel()
		if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	if err == nil {
		e.log.Info("executor stopped")
	}
	return err
}

// Run returns a run by id, whether still active or in history.
func (e *Executor) Run(id string) (job.Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.active[id]; ok {
		return q.run, true
	}
	return e.hist.find(id)
}

// Active returns queued and running runs ordered by scheduled time.
func (e *Executor) Active() []job.Run {
	e.mu.Lock()
	out := make([]job.Run, 0, len(e.active))
	for _, q := range e.active {
		out = append(out, q.run)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// History returns up to limit terminal runs, newest first.
func (e *Executor) History(limit int) []job.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hist.list(limit)
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		MaxConcurrent: e.gov.max,
		InFlight:      e.gov.inFlight,
		PeakInFlight:  e.gov.peak,
		Queued:        len(e.gov.queue),
		Jobs:          len(e.jobs),
		Stopping:      e.stopping,
		Succeeded:     e.stats.succeeded,
		Failed:        e.stats.failed,
		TimedOut:      e.stats.timedOut,
		Cancelled:     e.stats.cancelled,
		Abandoned:     e.stats.abandoned,
		Retries:       e.stats.retries,
		Skipped:       e.stats.skipped,
	}
	for _, ent := range e.jobs {
		if ent.breaker != nil && ent.breaker.State() == gobreaker.StateOpen {
			s.CircuitOpen++
		}
	}
	return s
}
