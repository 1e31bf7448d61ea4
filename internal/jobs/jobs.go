// Package jobs holds the built-in job bodies referenced by configuration.
package jobs

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
	"recworker/internal/metrics"
	"recworker/internal/storage"
	logx "recworker/pkg/logx"
)

const (
	HandlerCleanup = "cleanup"
	HandlerStats   = "stats.refresh"
	HandlerExport  = "export.generate"
	HandlerNoop    = "noop"
	HandlerSleep   = "sleep"

	DefaultRetention   = 30 * 24 * time.Hour
	DefaultStatsWindow = 24 * time.Hour
	DefaultExportLimit = 500
)

// Deps are shared by the bodies. Store may be nil when storage is disabled.
type Deps struct {
	Store     storage.Store
	Sink      metrics.Sink
	ExportDir string
	Log       logx.Logger
}

// Register adds every built-in body to reg.
func Register(reg *job.Registry, d Deps) error {
	if d.Sink == nil {
		d.Sink = metrics.NopSink{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	bodies := map[string]job.Body{
		HandlerCleanup: d.cleanup,
		HandlerStats:   d.statsRefresh,
		HandlerExport:  d.exportGenerate,
		HandlerNoop:    noop,
		HandlerSleep:   sleep,
	}
	for _, name := range []string{HandlerCleanup, HandlerStats, HandlerExport, HandlerNoop, HandlerSleep} {
		if err := reg.Register(name, bodies[name]); err != nil {
			return err
		}
	}
	return nil
}

var errNoStore = job.Permanent(errors.New("storage disabled"))

// storeErr marks store failures retryable unless the run itself was cancelled.
func storeErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, storage.ErrDisabled) {
		return errNoStore
	}
	return job.Transient(fmt.Errorf("%s: %w", op, err))
}

// cleanup prunes audit rows older than the retention param.
func (d Deps) cleanup(ctx context.Context, p job.Params) ([]events.Event, error) {
	if d.Store == nil {
		return nil, errNoStore
	}
	retention := p.Duration("retention", DefaultRetention)
	n, err := d.Store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return nil, storeErr(ctx, "prune", err)
	}
	d.Log.Info("audit pruned", logx.Int64("rows", n), logx.Duration("retention", retention))
	return nil, nil
}

func (d Deps) statsRefresh(ctx context.Context, p job.Params) ([]events.Event, error) {
	if d.Store == nil {
		return nil, errNoStore
	}
	window := p.Duration("window", DefaultStatsWindow)
	st, err := d.Store.RunStats(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, storeErr(ctx, "run stats", err)
	}
	for _, s := range []job.Status{job.StatusSucceeded, job.StatusFailed, job.StatusTimedOut, job.StatusCancelled} {
		d.Sink.SetGauge("recworker_stats_runs", float64(st.Count(s)), metrics.Labels{"status": string(s)})
	}
	return []events.Event{events.StatisticsRefreshed{
		Meta:      events.NewMeta(),
		Window:    window,
		Runs:      st.Total,
		Succeeded: st.Count(job.StatusSucceeded),
		Failed:    st.Count(job.StatusFailed),
		TimedOut:  st.Count(job.StatusTimedOut),
	}}, nil
}

var exportHeader = []string{"run_id", "job", "status", "attempt", "scheduled_at", "started_at", "ended_at", "duration_ms", "class"}

// exportGenerate writes recent runs as CSV into the export directory.
func (d Deps) exportGenerate(ctx context.Context, p job.Params) ([]events.Event, error) {
	if d.Store == nil {
		return nil, errNoStore
	}
	if strings.TrimSpace(d.ExportDir) == "" {
		return nil, job.Permanent(errors.New("export_dir not configured"))
	}
	runs, err := d.Store.RecentRuns(ctx, p.Int("limit", DefaultExportLimit))
	if err != nil {
		return nil, storeErr(ctx, "recent runs", err)
	}
	if err := os.MkdirAll(d.ExportDir, 0o755); err != nil {
		return nil, job.Permanent(err)
	}

	name := p.String("name", "runs") + "-" + time.Now().UTC().Format("20060102T150405") + ".csv"
	path := filepath.Join(d.ExportDir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, job.Permanent(err)
	}
	w := csv.NewWriter(f)
	werr := w.Write(exportHeader)
	for _, r := range runs {
		if werr != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			werr = err
			break
		}
		werr = w.Write([]string{
			r.ID, r.Job, string(r.Status), strconv.Itoa(r.Attempt),
			timeCell(r.ScheduledAt), timeCell(r.StartedAt), timeCell(r.EndedAt),
			strconv.FormatInt(r.Duration().Milliseconds(), 10), r.Class,
		})
	}
	w.Flush()
	if werr == nil {
		werr = w.Error()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp, path)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, job.Permanent(werr)
	}

	d.Log.Info("export written", logx.String("path", path), logx.Int("rows", len(runs)))
	return []events.Event{events.ExportGenerated{
		Meta:   events.NewMeta(),
		UserID: p.String("user", ""),
		Name:   name,
		Path:   path,
		Rows:   len(runs),
	}}, nil
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func noop(context.Context, job.Params) ([]events.Event, error) { return nil, nil }

// sleep is a diagnostic body. Params: duration, fail (transient|permanent),
// cooperative (false ignores cancellation).
func sleep(ctx context.Context, p job.Params) ([]events.Event, error) {
	d := p.Duration("duration", time.Second)
	if p.String("cooperative", "true") == "false" {
		time.Sleep(d)
	} else {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	switch p.String("fail", "") {
	case "transient":
		return nil, job.Transient(errors.New("sleep: induced transient failure"))
	case "permanent":
		return nil, job.Permanent(errors.New("sleep: induced permanent failure"))
	}
	return nil, nil
}
