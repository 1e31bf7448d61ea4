package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  provider: internal
  timezone: UTC
executor:
  max_concurrent_jobs: 2
  retry_base: 1s
storage:
  driver: sqlite
  path: ./data/recworker.db
jobs:
  - name: nightly-export
    handler: export.generate
    trigger: "30 2 * * *"
    timeout: 5m
    params:
      limit: 50
      dry_run: true
      format: csv
  - name: stats
    handler: stats.refresh
    trigger: "@every 10m"
`

func mustDecode(t *testing.T, path, body string) *Config {
	t.Helper()
	cfg, err := Decode(path, []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg
}

func TestDecodeYAMLScalarsAndStrictness(t *testing.T) {
	t.Parallel()

	cfg := mustDecode(t, "worker.yaml", sampleYAML)
	if len(cfg.Jobs) != 2 {
		t.Fatalf("jobs=%d", len(cfg.Jobs))
	}
	p := cfg.Jobs[0].Params
	if p["limit"] != "50" || p["dry_run"] != "true" || p["format"] != "csv" {
		t.Fatalf("params=%v", p)
	}

	if _, err := Decode("worker.yaml", []byte("logging:\n  levle: debug\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("worker.json", []byte(`{"jobs":[]} {"jobs":[]}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	// no extension: JSON is sniffed, everything else is YAML
	if _, err := Decode("worker", []byte(`{"export_dir":"x"}`)); err != nil {
		t.Fatalf("sniffed json: %v", err)
	}
	if cfg := mustDecode(t, "worker", "export_dir: y\n"); cfg.ExportDir != "y" {
		t.Fatalf("sniffed yaml export_dir=%q", cfg.ExportDir)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(c *Config)
		want string // substring; "" means valid
	}{
		{"ok", func(*Config) {}, ""},
		{"duplicate", func(c *Config) { c.Jobs[1].Name = c.Jobs[0].Name }, "duplicate"},
		{"missing name", func(c *Config) { c.Jobs[0].Name = " " }, "name: required"},
		{"bad trigger", func(c *Config) { c.Jobs[0].Trigger = "every tuesday" }, "trigger"},
		{"no handler", func(c *Config) { c.Jobs[1].Handler = "" }, "handler required"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad duration", func(c *Config) { c.Executor.GracePeriod = "soon" }, "executor.grace_period"},
		{"jitter", func(c *Config) { c.Executor.RetryJitter = 2 }, "retry_jitter"},
		{"provider", func(c *Config) { c.Scheduler.Provider = "quartz" }, "scheduler.provider"},
		{"persistent without store", func(c *Config) {
			c.Scheduler.Provider = "persistent"
			c.Storage.Driver = "file"
		}, "needs storage.triggers"},
		{"persistent on sqlite", func(c *Config) { c.Scheduler.Provider = "persistent" }, ""},
		{"redis without addr", func(c *Config) { c.Storage.Triggers = "redis" }, "redis_addr"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"insecure admin", func(c *Config) {
			c.Admin.Enabled = true
			c.Admin.Addr = "0.0.0.0:8080"
		}, "allow_insecure"},
		{"admin with token", func(c *Config) {
			c.Admin.Enabled = true
			c.Admin.Addr = "0.0.0.0:8080"
			c.Admin.Token = "s3cret"
		}, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := mustDecode(t, "worker.yaml", sampleYAML)
			tc.mut(cfg)
			err := Validate(cfg)
			switch {
			case tc.want == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
				t.Fatalf("error=%v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestDescriptors(t *testing.T) {
	t.Parallel()

	cfg := mustDecode(t, "worker.yaml", sampleYAML)
	ds, err := cfg.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(ds) != 2 || ds[0].Name != "nightly-export" || ds[1].Name != "stats" {
		t.Fatalf("descriptors=%+v", ds)
	}
	if ds[0].Timeout != 5*time.Minute {
		t.Fatalf("timeout=%s", ds[0].Timeout)
	}
	if ds[0].Params.Int("limit", 0) != 50 {
		t.Fatalf("limit param lost")
	}

	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := ds[0].Trigger.Next(from)
	want := time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s want %s", next, want)
	}
	if ds[1].Trigger.Every != 10*time.Minute {
		t.Fatalf("every=%s", ds[1].Trigger.Every)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if got := cfg.ShutdownBudget(); got != DefaultShutdownTimeout {
		t.Fatalf("shutdown=%s", got)
	}
	if cfg.ExportPath() != DefaultExportDir {
		t.Fatalf("export dir=%q", cfg.ExportPath())
	}
	if cfg.Admin.Server().Addr != defaultAdminAddr || cfg.Metrics.RoutePath() != "/metrics" || cfg.Notify.RoutePath() != "/ws" {
		t.Fatalf("listener defaults not applied")
	}
	ec, err := ExecutorConfig{RetryBase: "2s", MaxAttempts: 5}.Resolve()
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	if ec.Retry.BaseDelay != 2*time.Second || ec.Retry.MaxAttempts != 5 {
		t.Fatalf("retry=%+v", ec.Retry)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := mustDecode(t, "worker.yaml", sampleYAML)
	newCfg := mustDecode(t, "worker.yaml", sampleYAML)
	newCfg.Logging.Level = "debug"
	newCfg.Admin.Token = "hidden"
	newCfg.Jobs[1].Trigger = "@every 5m"
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "sweep", Handler: "cleanup", Trigger: "1h"})

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "admin,jobs,logging" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(jobs, ",") != "stats,sweep" {
		t.Fatalf("jobs=%v", jobs)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "admin,jobs" {
		t.Fatalf("restart=%v", got)
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid edit is rejected and leaves the committed config alone.
	bad := strings.Replace(sampleYAML, `"@every 10m"`, `"whenever"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Jobs)
	default:
	}

	good := strings.Replace(sampleYAML, "level: info", "level: debug", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
		if m.Get().Logging.Level != "debug" {
			t.Fatalf("manager not committed")
		}
	case <-ctx.Done():
		t.Fatalf("no config published")
	}
}

func TestJobRetryJitter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		want    float64
		wantErr bool
	}{
		{name: "unset inherits", yaml: "", want: -1},
		{name: "explicit zero", yaml: "    retry_jitter: 0\n", want: 0},
		{name: "explicit value", yaml: "    retry_jitter: 0.5\n", want: 0.5},
		{name: "out of range", yaml: "    retry_jitter: 1.5\n", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := "jobs:\n  - name: sweep\n    handler: cleanup\n    trigger: 1h\n" + tt.yaml
			cfg := mustDecode(t, "worker.yaml", body)
			d, err := cfg.Jobs[0].Descriptor(time.UTC)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "retry_jitter") {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if d.Retry.Jitter != tt.want {
				t.Fatalf("jitter = %v, want %v", d.Retry.Jitter, tt.want)
			}
		})
	}
}
