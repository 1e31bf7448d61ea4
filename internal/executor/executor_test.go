package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
	"recworker/internal/metrics"
	logx "recworker/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) DispatchAll(_ context.Context, evs ...events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, evs...)
	r.mu.Unlock()
}

func (r *recorder) kind(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func waitTerminal(t *testing.T, e *Executor, id string, timeout time.Duration) job.Run {
	t.Helper()
	var run job.Run
	waitFor(t, timeout, func() bool {
		r, ok := e.Run(id)
		run = r
		return ok && r.Status.Terminal()
	})
	return run
}

func newTestExecutor(t *testing.T, cfg Config, bodies map[string]job.Body, descs ...job.Descriptor) (*Executor, *recorder) {
	t.Helper()
	reg := job.NewRegistry()
	for name, b := range bodies {
		if err := reg.Register(name, b); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	e := New(cfg, reg, rec, logx.Nop())
	for _, d := range descs {
		if err := e.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = e.Shutdown(sctx)
		cancel()
	})
	return e, rec
}

func desc(name, handler string) job.Descriptor {
	return job.Descriptor{Name: name, Handler: handler, Trigger: job.Every(time.Second)}
}

func TestConcurrencyCapHolds(t *testing.T) {
	t.Parallel()
	const limit = 2
	var running, peak int32
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}

	var descs []job.Descriptor
	for i := 0; i < 8; i++ {
		descs = append(descs, desc(fmt.Sprintf("job-%d", i), "work"))
	}
	e, _ := newTestExecutor(t, Config{MaxConcurrentJobs: limit, CircuitTripFailures: -1}, map[string]job.Body{"work": body}, descs...)

	var wg sync.WaitGroup
	ids := make([]string, len(descs))
	for i, d := range descs {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			id, err := e.Submit(context.Background(), job.DueNotice{Job: name, ScheduledAt: time.Now()})
			if err != nil {
				t.Errorf("Submit(%s): %v", name, err)
			}
			ids[i] = id
		}(i, d.Name)
	}
	wg.Wait()

	for _, id := range ids {
		if r := waitTerminal(t, e, id, 3*time.Second); r.Status != job.StatusSucceeded {
			t.Fatalf("run %s status = %s", id, r.Status)
		}
	}
	if p := atomic.LoadInt32(&peak); p > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", p, limit)
	}
	if s := e.Snapshot(); s.PeakInFlight > limit || s.Succeeded != uint64(len(descs)) {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestOverlapRejected(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}
	e, rec := newTestExecutor(t, Config{MaxConcurrentJobs: 4, CircuitTripFailures: -1}, map[string]job.Body{"block": body}, desc("slow", "block"))

	first, err := e.Trigger(context.Background(), "slow")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		r, _ := e.Run(first)
		return r.Status == job.StatusRunning
	})
	if _, err := e.Trigger(context.Background(), "slow"); !errors.Is(err, ErrOverlapRejected) {
		t.Fatalf("second submit err = %v, want ErrOverlapRejected", err)
	}
	skipped := rec.kind(events.KindJobSkipped)
	if len(skipped) != 1 || skipped[0].(events.JobSkipped).Reason != SkipOverlap {
		t.Fatalf("skipped events = %+v", skipped)
	}

	close(release)
	waitTerminal(t, e, first, time.Second)
	if _, err := e.Trigger(context.Background(), "slow"); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
}

func TestTransientRetriesExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls []time.Time
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, job.Transient(errors.New("upstream unavailable"))
	}
	d := desc("flaky", "flaky")
	d.Retry = job.RetryPolicy{MaxAttempts: 4, BaseDelay: 40 * time.Millisecond, MaxDelay: time.Second}
	e, rec := newTestExecutor(t, Config{CircuitTripFailures: -1}, map[string]job.Body{"flaky": body}, d)

	id, err := e.Trigger(context.Background(), "flaky")
	if err != nil {
		t.Fatal(err)
	}
	run := waitTerminal(t, e, id, 3*time.Second)
	if run.Status != job.StatusFailed || run.Attempt != 4 {
		t.Fatalf("run = %+v", run)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		want := 40 * time.Millisecond << (i - 1)
		got := calls[i].Sub(calls[i-1])
		if got < want-5*time.Millisecond || got > want+150*time.Millisecond {
			t.Fatalf("gap %d = %v, want ~%v", i, got, want)
		}
	}

	failed := rec.kind(events.KindJobFailed)
	if len(failed) != 1 {
		t.Fatalf("job.failed events = %d", len(failed))
	}
	if f := failed[0].(events.JobFailed); f.Attempts != 4 || f.Class != "transient" {
		t.Fatalf("job.failed = %+v", f)
	}
	if s := e.Snapshot(); s.Retries != 3 {
		t.Fatalf("retries = %d", s.Retries)
	}
}

func TestRegisterRetryJitterDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		jitter float64
		want   float64
	}{
		{name: "negative inherits", jitter: -1, want: 0.3},
		{name: "zero stays exact", jitter: 0, want: 0},
		{name: "own value kept", jitter: 0.1, want: 0.1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := desc("flaky", "flaky")
			d.Retry.Jitter = tt.jitter
			cfg := Config{CircuitTripFailures: -1, Retry: job.RetryPolicy{Jitter: 0.3}}
			e, _ := newTestExecutor(t, cfg, map[string]job.Body{"flaky": func(context.Context, job.Params) ([]events.Event, error) { return nil, nil }}, d)
			e.mu.Lock()
			got := e.jobs["flaky"].retry.Jitter
			e.mu.Unlock()
			if got != tt.want {
				t.Fatalf("jitter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	var calls int32
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("bad row")
	}
	e, rec := newTestExecutor(t, Config{CircuitTripFailures: -1}, map[string]job.Body{"bad": body}, desc("bad", "bad"))

	id, _ := e.Trigger(context.Background(), "bad")
	run := waitTerminal(t, e, id, time.Second)
	if run.Status != job.StatusFailed || run.Class != "permanent" || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("run = %+v calls = %d", run, calls)
	}
	completed := rec.kind(events.KindJobCompleted)
	if len(completed) != 1 || completed[0].(events.JobCompleted).ErrorDetail != "bad row" {
		t.Fatalf("completed = %+v", completed)
	}
}

// Two notices 100ms apart for a job taking longer than the gap, with one slot:
// the second waits in the queue and starts only after the first settles.
func TestQueuedNoticeWaitsForSlot(t *testing.T) {
	t.Parallel()
	var running int32
	var overlapped atomic.Bool
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			overlapped.Store(true)
		}
		defer atomic.AddInt32(&running, -1)
		select {
		case <-time.After(400 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d := desc("cleanup", "cleanup")
	d.AllowOverlap = true
	e, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 1, CircuitTripFailures: -1}, map[string]job.Body{"cleanup": body}, d)

	first, err := e.Submit(context.Background(), job.DueNotice{Job: "cleanup", ScheduledAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	second, err := e.Submit(context.Background(), job.DueNotice{Job: "cleanup", ScheduledAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	if r, _ := e.Run(second); r.Status != job.StatusPending {
		t.Fatalf("second run status = %s, want Pending", r.Status)
	}

	a := waitTerminal(t, e, first, 2*time.Second)
	b := waitTerminal(t, e, second, 2*time.Second)
	if a.Status != job.StatusSucceeded || b.Status != job.StatusSucceeded {
		t.Fatalf("statuses = %s, %s", a.Status, b.Status)
	}
	if b.StartedAt.Before(a.EndedAt) {
		t.Fatalf("second started %v before first ended %v", b.StartedAt, a.EndedAt)
	}
	if overlapped.Load() {
		t.Fatal("runs overlapped")
	}
}

func TestTimeoutAbandonsUncooperativeBody(t *testing.T) {
	t.Parallel()
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	}
	quick := func(ctx context.Context, _ job.Params) ([]events.Event, error) { return nil, nil }

	stuck := desc("stuck", "stuck")
	stuck.Timeout = 500 * time.Millisecond
	e, rec := newTestExecutor(t,
		Config{MaxConcurrentJobs: 1, GracePeriod: 200 * time.Millisecond, CircuitTripFailures: -1},
		map[string]job.Body{"stuck": body, "quick": quick},
		stuck, desc("quick", "quick"),
	)

	start := time.Now()
	id, err := e.Trigger(context.Background(), "stuck")
	if err != nil {
		t.Fatal(err)
	}
	next, err := e.Trigger(context.Background(), "quick")
	if err != nil {
		t.Fatal(err)
	}

	run := waitTerminal(t, e, id, 2*time.Second)
	if run.Status != job.StatusTimedOut || !run.Abandoned {
		t.Fatalf("run = %+v", run)
	}
	if d := run.Duration(); d < 450*time.Millisecond || d > 900*time.Millisecond {
		t.Fatalf("recorded duration = %v, want ~500ms", d)
	}

	// The slot frees at the grace deadline, so the queued run gets through long
	// before the stuck body returns.
	waitTerminal(t, e, next, 2*time.Second)
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("queued run settled after %v", elapsed)
	}

	var found bool
	for _, ev := range rec.kind(events.KindJobCompleted) {
		if c := ev.(events.JobCompleted); c.RunID == id {
			found = c.Abandoned && c.Status == string(job.StatusTimedOut)
		}
	}
	if !found {
		t.Fatal("missing abandoned job.completed event")
	}
}

func TestShutdownCancelsQueuedAndRunning(t *testing.T) {
	t.Parallel()
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	reg := job.NewRegistry()
	_ = reg.Register("wait", body)
	rec := &recorder{}
	e := New(Config{MaxConcurrentJobs: 1, CircuitTripFailures: -1}, reg, rec, logx.Nop())
	for _, n := range []string{"a", "b"} {
		if err := e.Register(desc(n, "wait")); err != nil {
			t.Fatal(err)
		}
	}
	e.Start(context.Background())

	a, _ := e.Trigger(context.Background(), "a")
	b, _ := e.Trigger(context.Background(), "b")
	waitFor(t, time.Second, func() bool {
		r, _ := e.Run(a)
		return r.Status == job.StatusRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range []string{a, b} {
		if r, _ := e.Run(id); r.Status != job.StatusCancelled {
			t.Fatalf("run %s status = %s, want Cancelled", id, r.Status)
		}
	}
	if _, err := e.Trigger(context.Background(), "a"); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after shutdown err = %v", err)
	}
	if n := len(rec.kind(events.KindJobCompleted)); n != 2 {
		t.Fatalf("job.completed events = %d, want 2", n)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	body := func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		return nil, job.Permanent(errors.New("schema mismatch"))
	}
	e, rec := newTestExecutor(t, Config{CircuitTripFailures: 2, CircuitOpenFor: time.Minute}, map[string]job.Body{"bad": body}, desc("bad", "bad"))

	for i := 0; i < 2; i++ {
		id, err := e.Trigger(context.Background(), "bad")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		waitTerminal(t, e, id, time.Second)
	}
	waitFor(t, time.Second, func() bool { return e.Snapshot().CircuitOpen == 1 })
	if _, err := e.Trigger(context.Background(), "bad"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	skipped := rec.kind(events.KindJobSkipped)
	if len(skipped) == 0 || skipped[len(skipped)-1].(events.JobSkipped).Reason != SkipCircuitOpen {
		t.Fatalf("skipped = %+v", skipped)
	}

	sink := &gaugeSink{vals: map[string]float64{}}
	if err := NewCollector(e).Collect(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if sink.vals["recworker_executor_circuit_open"] != 1 {
		t.Fatalf("gauges = %v", sink.vals)
	}
}

type gaugeSink struct {
	metrics.NopSink
	vals map[string]float64
}

func (g *gaugeSink) SetGauge(name string, v float64, _ metrics.Labels) { g.vals[name] = v }

func TestPanicAndBodyEvents(t *testing.T) {
	t.Parallel()
	boom := func(ctx context.Context, _ job.Params) ([]events.Event, error) { panic("boom") }
	emit := func(ctx context.Context, p job.Params) ([]events.Event, error) {
		return []events.Event{events.ModelDeployed{Meta: events.NewMeta(), Model: p.String("model", ""), Version: "v2"}}, nil
	}
	d := desc("deploy", "emit")
	d.Params = job.Params{"model": "ranker"}
	e, rec := newTestExecutor(t, Config{CircuitTripFailures: -1},
		map[string]job.Body{"boom": boom, "emit": emit},
		desc("boom", "boom"), d,
	)

	id, _ := e.Trigger(context.Background(), "boom")
	if r := waitTerminal(t, e, id, time.Second); r.Status != job.StatusFailed || !strings.Contains(r.ErrorDetail, "panic: boom") {
		t.Fatalf("run = %+v", r)
	}

	id, _ = e.Trigger(context.Background(), "deploy")
	waitTerminal(t, e, id, time.Second)
	waitFor(t, time.Second, func() bool { return len(rec.kind(events.KindModelDeployed)) == 1 })
	if m := rec.kind(events.KindModelDeployed)[0].(events.ModelDeployed); m.Model != "ranker" {
		t.Fatalf("model = %+v", m)
	}
}

func TestRegisterRejectsUnknownHandlerAndDuplicates(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	_ = reg.Register("noop", func(ctx context.Context, _ job.Params) ([]events.Event, error) { return nil, nil })
	e := New(Config{}, reg, nil, logx.Nop())

	if err := e.Register(desc("x", "missing")); !errors.Is(err, job.ErrUnknownHandler) {
		t.Fatalf("err = %v, want ErrUnknownHandler", err)
	}
	if err := e.Register(desc("x", "noop")); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(desc("x", "noop")); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}
	if _, err := e.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}
