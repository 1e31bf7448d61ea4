package jobs

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
	"recworker/internal/metrics"
	"recworker/internal/storage"
	logx "recworker/pkg/logx"
)

func setup(t *testing.T) (*job.Registry, storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(dir, "audit.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now()
	for i, s := range []job.Status{job.StatusSucceeded, job.StatusSucceeded, job.StatusFailed, job.StatusTimedOut} {
		r := job.Run{ID: "r" + string(rune('a'+i)), Job: "stats", Status: s, Attempt: 1, StartedAt: now.Add(-time.Minute), EndedAt: now.Add(-time.Duration(i) * time.Second)}
		if err := st.AppendRun(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	old := job.Run{ID: "old", Job: "stats", Status: job.StatusSucceeded, Attempt: 1, EndedAt: now.Add(-90 * 24 * time.Hour)}
	if err := st.AppendRun(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	reg := job.NewRegistry()
	exportDir := filepath.Join(dir, "exports")
	if err := Register(reg, Deps{Store: st, Sink: metrics.NopSink{}, ExportDir: exportDir, Log: logx.Nop()}); err != nil {
		t.Fatal(err)
	}
	return reg, st, exportDir
}

func body(t *testing.T, reg *job.Registry, name string) job.Body {
	t.Helper()
	b, err := reg.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRegisterAll(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	if err := Register(reg, Deps{}); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.Names()); got != 5 {
		t.Fatalf("registered %d bodies", got)
	}
	if err := Register(reg, Deps{}); err == nil {
		t.Fatal("second Register should fail on duplicates")
	}
}

func TestCleanupPrunes(t *testing.T) {
	t.Parallel()
	reg, st, _ := setup(t)
	if _, err := body(t, reg, HandlerCleanup)(context.Background(), job.Params{"retention": "720h"}); err != nil {
		t.Fatal(err)
	}
	cnt, _ := st.Stats(context.Background())
	if cnt.Runs != 4 {
		t.Fatalf("runs after cleanup = %d", cnt.Runs)
	}
}

func TestStatsRefresh(t *testing.T) {
	t.Parallel()
	reg, _, _ := setup(t)
	evs, err := body(t, reg, HandlerStats)(context.Background(), job.Params{"window": "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	e := evs[0].(events.StatisticsRefreshed)
	if e.Runs != 4 || e.Succeeded != 2 || e.Failed != 1 || e.TimedOut != 1 {
		t.Fatalf("stats = %+v", e)
	}
}

func TestExportGenerate(t *testing.T) {
	t.Parallel()
	reg, _, dir := setup(t)
	evs, err := body(t, reg, HandlerExport)(context.Background(), job.Params{"limit": "3", "user": "42"})
	if err != nil {
		t.Fatal(err)
	}
	e := evs[0].(events.ExportGenerated)
	if e.Rows != 3 || e.UserID != "42" || e.Target().UserID != "42" {
		t.Fatalf("event = %+v", e)
	}
	f, err := os.Open(filepath.Join(dir, e.Name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][0] != "run_id" || rows[1][0] != "ra" {
		t.Fatalf("csv = %v", rows)
	}
}

func TestBodiesWithoutStore(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	_ = Register(reg, Deps{})
	for _, name := range []string{HandlerCleanup, HandlerStats, HandlerExport} {
		_, err := body(t, reg, name)(context.Background(), nil)
		if job.Classify(err) != job.ClassPermanent {
			t.Fatalf("%s err = %v, want permanent", name, err)
		}
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sleep(ctx, job.Params{"duration": "5s"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	_, err := sleep(context.Background(), job.Params{"duration": "1ms", "fail": "transient"})
	if job.Classify(err) != job.ClassTransient {
		t.Fatalf("class = %v", job.Classify(err))
	}
}
