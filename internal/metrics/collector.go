package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	rtsup "recworker/internal/runtime/supervisor"
	logx "recworker/pkg/logx"
)

const DefaultCollectInterval = 15 * time.Second

// Collector samples some state into a Sink. A returned error is logged and
// counted; the next interval runs regardless.
type Collector interface {
	Name() string
	Collect(ctx context.Context, s Sink) error
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc struct {
	ID string
	Fn func(ctx context.Context, s Sink) error
}

func (c CollectorFunc) Name() string                              { return c.ID }
func (c CollectorFunc) Collect(ctx context.Context, s Sink) error { return c.Fn(ctx, s) }

// Runner drives one independent loop per collector.
type Runner struct {
	sink     Sink
	interval time.Duration
	log      logx.Logger
	warn     *logx.Throttle

	mu         sync.Mutex
	collectors []Collector
}

func NewRunner(sink Sink, interval time.Duration, log logx.Logger, cs ...Collector) *Runner {
	if sink == nil {
		sink = NopSink{}
	}
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Runner{sink: sink, interval: interval, log: log, warn: logx.NewThrottle(time.Minute), collectors: cs}
}

func (r *Runner) Add(c Collector) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.collectors = append(r.collectors, c)
	r.mu.Unlock()
}

// Start launches each collector under sup. Loops end when sup is cancelled.
func (r *Runner) Start(sup *rtsup.Supervisor) {
	r.mu.Lock()
	cs := append([]Collector(nil), r.collectors...)
	r.mu.Unlock()
	for _, c := range cs {
		c := c
		sup.GoRestart("collector."+c.Name(), func(ctx context.Context) error {
			return r.loop(ctx, c)
		})
	}
	r.log.Info("metrics collectors started", logx.Int("collectors", len(cs)), logx.Duration("interval", r.interval))
}

func (r *Runner) loop(ctx context.Context, c Collector) error {
	r.collectOne(ctx, c)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.collectOne(ctx, c)
		}
	}
}

// CollectOnce runs every collector a single time and returns how many failed.
func (r *Runner) CollectOnce(ctx context.Context) int {
	r.mu.Lock()
	cs := append([]Collector(nil), r.collectors...)
	r.mu.Unlock()
	failed := 0
	for _, c := range cs {
		if r.collectOne(ctx, c) != nil {
			failed++
		}
	}
	return failed
}

func (r *Runner) collectOne(ctx context.Context, c Collector) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("collector panic", logx.String("collector", c.Name()), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
		if err != nil {
			r.sink.IncCounter("recworker_collector_errors_total", Labels{"collector": c.Name()})
			if ok, suppressed := r.warn.Allow(c.Name()); ok {
				r.log.Warn("collector sample failed", logx.String("collector", c.Name()), logx.Err(err), logx.Uint64("suppressed", suppressed))
			}
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()
	return c.Collect(cctx, r.sink)
}

// ProcessCollector samples this process: RSS, CPU, goroutines and open fds.
type ProcessCollector struct {
	once sync.Once
	proc *process.Process
	err  error
}

func NewProcessCollector() *ProcessCollector { return &ProcessCollector{} }

func (*ProcessCollector) Name() string { return "process" }

func (p *ProcessCollector) Collect(ctx context.Context, s Sink) error {
	p.once.Do(func() {
		p.proc, p.err = process.NewProcessWithContext(ctx, int32(os.Getpid()))
	})
	s.SetGauge("recworker_process_goroutines", float64(runtime.NumGoroutine()), nil)
	if p.err != nil {
		return fmt.Errorf("open process: %w", p.err)
	}

	mem, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("memory info: %w", err)
	}
	s.SetGauge("recworker_process_rss_bytes", float64(mem.RSS), nil)

	cpu, err := p.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return fmt.Errorf("cpu percent: %w", err)
	}
	s.SetGauge("recworker_process_cpu_percent", cpu, nil)

	// Not every platform reports fds; skip quietly when unsupported.
	if fds, err := p.proc.NumFDsWithContext(ctx); err == nil {
		s.SetGauge("recworker_process_open_fds", float64(fds), nil)
	}
	return nil
}
