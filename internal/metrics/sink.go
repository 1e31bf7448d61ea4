// Package metrics is the recworker metrics sink and its periodic collectors.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "recworker/pkg/logx"
)

// Labels is an optional dimensional breakdown. A metric name must always be
// used with the same label keys.
type Labels map[string]string

// Sink is the write side of metrics.
type Sink interface {
	IncCounter(name string, labels Labels)
	AddCounter(name string, v float64, labels Labels)
	SetGauge(name string, v float64, labels Labels)
	ObserveHistogram(name string, v float64, labels Labels)
	// RecordTimer observes d in seconds.
	RecordTimer(name string, d time.Duration, labels Labels)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) IncCounter(string, Labels)                 {}
func (NopSink) AddCounter(string, float64, Labels)        {}
func (NopSink) SetGauge(string, float64, Labels)          {}
func (NopSink) ObserveHistogram(string, float64, Labels)  {}
func (NopSink) RecordTimer(string, time.Duration, Labels) {}

var help = map[string]string{
	"recworker_job_runs_total":             "Job runs by terminal status.",
	"recworker_job_duration_seconds":       "Job run duration.",
	"recworker_job_skipped_total":          "Due notices rejected before a run was created.",
	"recworker_job_failed_total":           "Runs that settled at Failed.",
	"recworker_job_abandoned_total":        "Runs whose body ignored cancellation past the grace period.",
	"recworker_events_total":               "Domain events dispatched, by kind.",
	"recworker_event_handler_faults_total": "Event handler errors and panics.",
	"recworker_collector_errors_total":     "Failed collector samples.",
	"recworker_executor_in_flight":         "Job runs holding a concurrency slot.",
	"recworker_executor_queued":            "Job runs waiting for a slot.",
	"recworker_executor_circuit_open":      "Jobs whose circuit breaker is open.",
	"recworker_process_rss_bytes":          "Resident set size.",
	"recworker_process_cpu_percent":        "Process CPU usage.",
	"recworker_process_goroutines":         "Live goroutines.",
	"recworker_process_open_fds":           "Open file descriptors.",
	"recworker_store_rows":                 "Rows held by the audit store, by table.",
	"recworker_stats_runs":                 "Runs in the last statistics window, by status.",
	"recworker_notify_connections":         "Connected real-time clients.",
	"recworker_notify_pushes_total":        "Payloads pushed to real-time groups.",
	"recworker_notify_dropped_total":       "Payloads dropped for slow or full connections.",
}

// PromSink is a Sink backed by a private Prometheus registry. Vectors are
// created on first use of a name.
type PromSink struct {
	reg *prometheus.Registry
	log logx.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	keys       map[string][]string
	warn       *logx.Throttle
}

func NewPromSink(log logx.Logger) *PromSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PromSink{
		reg:        reg,
		log:        log,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		keys:       map[string][]string{},
		warn:       logx.NewThrottle(time.Minute),
	}
}

// Registry exposes the underlying registry (tests, extra collectors).
func (s *PromSink) Registry() *prometheus.Registry { return s.reg }

// Handler serves the registry in the Prometheus text format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

func labelKeys(l Labels) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return strings.ReplaceAll(name, "_", " ")
}

func (s *PromSink) checkKeys(name string, keys []string) bool {
	prev, ok := s.keys[name]
	if !ok {
		s.keys[name] = keys
		return true
	}
	if strings.Join(prev, ",") == strings.Join(keys, ",") {
		return true
	}
	if ok, _ := s.warn.Allow("labels:" + name); ok {
		s.log.Warn("metric label keys changed; sample dropped", logx.String("metric", name), logx.Any("want", prev), logx.Any("got", keys))
	}
	return false
}

func (s *PromSink) register(name string, c prometheus.Collector) bool {
	if err := s.reg.Register(c); err != nil {
		if ok, _ := s.warn.Allow("register:" + name); ok {
			s.log.Warn("metric registration failed", logx.String("metric", name), logx.Err(err))
		}
		return false
	}
	return true
}

func (s *PromSink) counter(name string, l Labels) prometheus.Counter {
	keys := labelKeys(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkKeys(name, keys) {
		return nil
	}
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
		if !s.register(name, vec) {
			return nil
		}
		s.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(l))
	if err != nil {
		return nil
	}
	return c
}

func (s *PromSink) gauge(name string, l Labels) prometheus.Gauge {
	keys := labelKeys(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkKeys(name, keys) {
		return nil
	}
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
		if !s.register(name, vec) {
			return nil
		}
		s.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(l))
	if err != nil {
		return nil
	}
	return g
}

func (s *PromSink) histogram(name string, l Labels) prometheus.Observer {
	keys := labelKeys(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkKeys(name, keys) {
		return nil
	}
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: helpFor(name), Buckets: prometheus.DefBuckets}, keys)
		if !s.register(name, vec) {
			return nil
		}
		s.histograms[name] = vec
	}
	o, err := vec.GetMetricWith(prometheus.Labels(l))
	if err != nil {
		return nil
	}
	return o
}

func (s *PromSink) IncCounter(name string, l Labels) { s.AddCounter(name, 1, l) }

func (s *PromSink) AddCounter(name string, v float64, l Labels) {
	if v < 0 {
		return
	}
	if c := s.counter(name, l); c != nil {
		c.Add(v)
	}
}

func (s *PromSink) SetGauge(name string, v float64, l Labels) {
	if g := s.gauge(name, l); g != nil {
		g.Set(v)
	}
}

func (s *PromSink) ObserveHistogram(name string, v float64, l Labels) {
	if o := s.histogram(name, l); o != nil {
		o.Observe(v)
	}
}

func (s *PromSink) RecordTimer(name string, d time.Duration, l Labels) {
	s.ObserveHistogram(name, d.Seconds(), l)
}
