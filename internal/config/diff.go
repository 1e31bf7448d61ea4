package config

import (
	"reflect"
	"sort"
	"strings"

	logx "recworker/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (tokens and passwords are never included), and (3) the
// names of jobs that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.provider", newCfg.Scheduler.Provider),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.max_concurrent_jobs", newCfg.Executor.MaxConcurrentJobs),
			logx.Int("executor.max_attempts", newCfg.Executor.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.triggers", newCfg.Storage.Triggers),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.redis_set", strings.TrimSpace(newCfg.Storage.RedisAddr) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.String("notify.addr", newCfg.Notify.Addr),
		)
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}
	if oldCfg.ExportDir != newCfg.ExportDir || oldCfg.ShutdownTimeout != newCfg.ShutdownTimeout {
		changed = append(changed, "runtime")
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

// RestartRequired filters changed down to sections that are not hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJ), index(newJ)

	var out []string
	for name, o := range om {
		if n, ok := nm[name]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
