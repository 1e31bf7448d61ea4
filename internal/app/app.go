// Package app composes the worker: storage, handler registry, executor,
// scheduling provider, event dispatch, notification gateway, metrics and
// the admin surface, and owns their start and stop order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recworker/internal/admin"
	"recworker/internal/config"
	"recworker/internal/events"
	"recworker/internal/executor"
	"recworker/internal/job"
	"recworker/internal/jobs"
	"recworker/internal/metrics"
	"recworker/internal/notify"
	"recworker/internal/notify/wsgateway"
	"recworker/internal/observability/httpserver"
	rtsup "recworker/internal/runtime/supervisor"
	"recworker/internal/schedule"
	"recworker/internal/storage"
	logx "recworker/pkg/logx"
	"recworker/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	backend  *storage.Backend
	registry *job.Registry
	prom     *metrics.PromSink
	sink     metrics.Sink
	disp     *events.Dispatcher
	exec     *executor.Executor
	provider schedule.Provider
	hub      *notify.Hub
	gateway  *wsgateway.Gateway
	runner   *metrics.Runner
	servers  []*httpserver.Server
	jobs     []job.Descriptor

	sup *rtsup.Supervisor
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logSvc}
	if err := a.build(ctx, root); err != nil {
		_ = a.backend.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	cfg := a.cfg
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	a.jobs = descs

	sc, err := cfg.Storage.Resolve()
	if err != nil {
		return err
	}
	a.backend, err = storage.Open(ctx, sc, comp("storage"))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPromSink(comp("metrics"))
		a.sink = a.prom
	} else {
		a.sink = metrics.NopSink{}
	}

	a.registry = job.NewRegistry()
	if err := jobs.Register(a.registry, jobs.Deps{
		Store:     a.backend.Audit,
		Sink:      a.sink,
		ExportDir: cfg.ExportPath(),
		Log:       comp("jobs"),
	}); err != nil {
		return err
	}

	a.disp = events.NewDispatcher(comp("events"), events.WithFaultHook(metrics.FaultCounter(a.sink)))
	a.hub = notify.NewHub(comp("notify"), a.sink)
	if err := a.disp.RegisterAll("metrics", metrics.NewHandler(a.sink)); err != nil {
		return err
	}
	if a.backend.Audit != nil {
		if err := a.disp.RegisterAll("audit", storage.NewAuditHandler(a.backend.Audit)); err != nil {
			return err
		}
	}
	if err := a.disp.RegisterAll("notify", notify.NewFanOut(a.hub)); err != nil {
		return err
	}

	ec, err := cfg.Executor.Resolve()
	if err != nil {
		return err
	}
	a.exec = executor.New(ec, a.registry, a.disp, comp("executor"))
	for _, d := range descs {
		if err := a.exec.Register(d); err != nil {
			return err
		}
	}

	schc, err := cfg.Scheduler.Resolve()
	if err != nil {
		return err
	}
	a.provider, err = schedule.New(schc, a.backend.Triggers, comp("schedule"))
	if err != nil {
		return err
	}
	for _, d := range descs {
		if _, err := a.provider.Schedule(d); err != nil {
			return fmt.Errorf("schedule %s: %w", d.Name, err)
		}
	}

	return a.buildHTTP(comp)
}

func (a *App) buildHTTP(comp func(string) logx.Logger) error {
	cfg := a.cfg

	if cfg.Metrics.Enabled {
		every, err := cfg.Metrics.Interval()
		if err != nil {
			return err
		}
		a.runner = metrics.NewRunner(a.sink, every, comp("collectors"),
			metrics.NewProcessCollector(),
			executor.NewCollector(a.exec),
		)
		if a.backend.Audit != nil {
			a.runner.Add(storage.NewCollector(a.backend.Audit, jobs.DefaultStatsWindow))
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.RoutePath(), a.prom.Handler())
		a.servers = append(a.servers, httpserver.New(cfg.Metrics.Server(), mux, comp("metrics")))
	}

	if cfg.Notify.Enabled {
		a.gateway = wsgateway.New(a.hub, cfg.Notify.Gateway(), comp("wsgateway"))
		mux := http.NewServeMux()
		mux.Handle(cfg.Notify.RoutePath(), a.gateway)
		a.servers = append(a.servers, httpserver.New(cfg.Notify.Server(), mux, comp("notify")))
	}

	if cfg.Admin.Enabled {
		api := admin.New(admin.Deps{
			Executor:  a.exec,
			Scheduler: a.provider,
			Publisher: a.disp,
			Store:     a.backend.Audit,
			Extra:     a.statusExtra,
			Log:       comp("admin"),
		})
		a.servers = append(a.servers, httpserver.New(cfg.Admin.Server(), api.Handler(cfg.Admin.Pprof), comp("admin")))
	}
	return nil
}

func (a *App) statusExtra() map[string]any {
	out := map[string]any{
		"notify_connections": a.hub.Connections(),
	}
	if a.sup != nil {
		out["loops"] = a.sup.Snapshot()
	}
	if a.backend.Audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if st, err := a.backend.Audit.Stats(ctx); err == nil {
			out["store"] = st
		}
	}
	return out
}

// Jobs returns the configured descriptors in file order.
func (a *App) Jobs() []job.Descriptor { return append([]job.Descriptor(nil), a.jobs...) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return CheckHandlers(cfg) })

	// Runs outlive the app supervisor; Stop drains them explicitly.
	a.exec.Start(context.WithoutCancel(ctx))

	if err := a.provider.Start(a.sup.Context()); err != nil {
		return err
	}
	plog := a.log.With(logx.String("comp", "pump"))
	a.sup.GoRestart("schedule.pump", func(c context.Context) error {
		return schedule.Pump(c, a.provider, a.exec, plog)
	})

	if a.runner != nil {
		a.runner.Start(a.sup)
	}
	for _, s := range a.servers {
		s.Start(a.sup)
	}

	reload := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reload)
		a.reloadLoop(c, reload)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Context().Err() == nil })
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("provider", a.provider.Name()),
		logx.Int("jobs", len(a.jobs)),
		logx.Int("listeners", len(a.servers)),
	)
	return nil
}

// reloadLoop applies hot-reloadable sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs, jobsChanged := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		_, _ = systemd.Reloading()

		for _, s := range sections {
			if s == "logging" {
				a.logs.Apply(newCfg.Logging.Logx())
			}
		}
		restart := config.RestartRequired(sections)
		if len(jobsChanged) > 0 {
			a.log.Debug("job definitions changed", logx.Any("jobs", jobsChanged))
		}
		if len(restart) > 0 {
			a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
		}

		a.disp.Dispatch(ctx, events.ConfigChanged{Meta: events.NewMeta(), Sections: sections, RestartRequired: restart})
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		_, _ = systemd.Ready()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// No new fires from here on; runs already admitted keep going.
	a.step(ctx, "provider", 2*time.Second, a.provider.Stop)
	a.step(ctx, "executor", a.cfg.ShutdownBudget(), a.exec.Shutdown)

	a.sup.Cancel()
	a.step(ctx, "listeners", 2*time.Second, func(c context.Context) error {
		for _, s := range a.servers {
			_ = s.Shutdown(c)
		}
		return nil
	})
	if a.gateway != nil {
		a.step(ctx, "wsgateway", 2*time.Second, a.gateway.Close)
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown stage with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

// CheckHandlers validates cfg and resolves every job handler against the
// built-in registry without opening storage.
func CheckHandlers(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	reg := job.NewRegistry()
	if err := jobs.Register(reg, jobs.Deps{}); err != nil {
		return err
	}
	for _, j := range cfg.Jobs {
		if _, err := reg.Lookup(j.Handler); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return nil
}

// Handlers lists the built-in handler names.
func Handlers() []string {
	reg := job.NewRegistry()
	_ = jobs.Register(reg, jobs.Deps{})
	return reg.Names()
}
