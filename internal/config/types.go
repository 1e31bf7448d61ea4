package config

// Config is the worker configuration file (YAML or JSON).
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Notify    NotifyConfig    `json:"notify"`
	Admin     AdminConfig     `json:"admin"`
	Jobs      []JobConfig     `json:"jobs"`

	ExportDir string `json:"export_dir,omitempty"`
	// ShutdownTimeout bounds graceful shutdown (default 30s).
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig selects the scheduling provider.
//
// Defaults:
//   - provider: "internal"
//   - poll_interval: "1s"
//   - timezone: local
type SchedulerConfig struct {
	Provider     string `json:"provider,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	// InstanceID names this worker in persistent claims; default host+random.
	InstanceID string `json:"instance_id,omitempty"`
	ClaimBatch int    `json:"claim_batch,omitempty"`
}

// ExecutorConfig controls execution.
//
// Defaults (when omitted/zero):
//   - max_concurrent_jobs: 4
//   - default_timeout: "0s" (none)
//   - grace_period: "5s"
//   - retry_base: "500ms", retry_max_delay: "15s", max_attempts: 3
//   - history_size: 200
//   - circuit_trip_failures: 5 (negative disables), circuit_open_for: "30s"
type ExecutorConfig struct {
	MaxConcurrentJobs   int     `json:"max_concurrent_jobs,omitempty"`
	DefaultTimeout      string  `json:"default_timeout,omitempty"`
	GracePeriod         string  `json:"grace_period,omitempty"`
	RetryBase           string  `json:"retry_base,omitempty"`
	RetryMaxDelay       string  `json:"retry_max_delay,omitempty"`
	RetryJitter         float64 `json:"retry_jitter,omitempty"`
	MaxAttempts         int     `json:"max_attempts,omitempty"`
	HistorySize         int     `json:"history_size,omitempty"`
	CircuitTripFailures int     `json:"circuit_trip_failures,omitempty"`
	CircuitOpenFor      string  `json:"circuit_open_for,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/recworker.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Triggers    string `json:"triggers,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	ClaimTTL      string `json:"claim_ttl,omitempty"`
}

type MetricsConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path            string `json:"path,omitempty"` // default "/metrics"
	CollectInterval string `json:"collect_interval,omitempty"`
	Token           string `json:"token,omitempty"`
	AllowInsecure   bool   `json:"allow_insecure,omitempty"`
}

type NotifyConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"` // default "127.0.0.1:8081"
	Path           string   `json:"path,omitempty"` // default "/ws"
	SendBuffer     int      `json:"send_buffer,omitempty"`
	RatePerSec     int      `json:"rate_per_sec,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	AllowInsecure  bool     `json:"allow_insecure,omitempty"`
}

// AdminConfig controls the operational HTTP surface.
//
// Security note: a non-loopback addr needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// JobConfig is one recurring job. Trigger accepts cron (5 or 6 fields),
// descriptors (@hourly), "@every 5m", plain durations and "HH:MM".
type JobConfig struct {
	Name          string   `json:"name"`
	Handler       string   `json:"handler"`
	Trigger       string   `json:"trigger"`
	Timeout       string   `json:"timeout,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	RetryJitter   *float64 `json:"retry_jitter,omitempty"`
	AllowOverlap  bool     `json:"allow_overlap,omitempty"`
	Params        Params   `json:"params,omitempty"`
}
