// Package admin is the operational HTTP surface over the executor and the
// scheduling provider: trigger, pause/resume, run inspection, status.
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"recworker/internal/events"
	"recworker/internal/executor"
	"recworker/internal/job"
	"recworker/internal/observability/httpserver"
	"recworker/internal/schedule"
	"recworker/internal/storage"
	logx "recworker/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Executor is the subset of *executor.Executor the admin surface uses.
type Executor interface {
	Trigger(ctx context.Context, name string) (string, error)
	Run(id string) (job.Run, bool)
	Active() []job.Run
	History(limit int) []job.Run
	Snapshot() executor.Snapshot
	Jobs() []job.Descriptor
}

// Scheduler is the subset of schedule.Provider the admin surface uses.
type Scheduler interface {
	Name() string
	Pause()
	Resume()
	Paused() bool
	Entries() []schedule.Entry
}

// Publisher dispatches externally produced domain events.
type Publisher interface {
	Dispatch(ctx context.Context, ev events.Event)
}

type Deps struct {
	Executor  Executor
	Scheduler Scheduler
	Publisher Publisher
	// Store is optional; it backs /runs?source=store and store stats.
	Store storage.Store
	// Extra is merged into /status (supervisor loops and similar).
	Extra func() map[string]any
	Log   logx.Logger
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &API{d: d}
}

// Routes registers the admin endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /jobs", a.jobs)
	mux.HandleFunc("POST /jobs/{name}/trigger", a.trigger)
	mux.HandleFunc("POST /scheduler/pause", a.pause)
	mux.HandleFunc("POST /scheduler/resume", a.resume)
	mux.HandleFunc("GET /runs", a.runs)
	mux.HandleFunc("GET /runs/{id}", a.run)
	mux.HandleFunc("POST /events", a.publish)
}

// Handler returns a mux with Routes, plus pprof when enabled.
func (a *API) Handler(pprof bool) http.Handler {
	mux := http.NewServeMux()
	a.Routes(mux)
	if pprof {
		httpserver.MountPprof(mux, "")
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *API) trigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id, err := a.d.Executor.Trigger(r.Context(), name)
	switch {
	case err == nil:
		a.d.Log.Info("job triggered manually", logx.String("job", name), logx.String("run_id", id))
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "job": name})
	case errors.Is(err, executor.ErrUnknownJob):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, executor.ErrOverlapRejected):
		writeErr(w, http.StatusConflict, err)
	case errors.Is(err, executor.ErrCircuitOpen), errors.Is(err, executor.ErrStopped):
		writeErr(w, http.StatusServiceUnavailable, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (a *API) pause(w http.ResponseWriter, _ *http.Request) {
	a.d.Scheduler.Pause()
	a.d.Log.Info("scheduler paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (a *API) resume(w http.ResponseWriter, _ *http.Request) {
	a.d.Scheduler.Resume()
	a.d.Log.Info("scheduler resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (a *API) run(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if run, ok := a.d.Executor.Run(id); ok {
		writeJSON(w, http.StatusOK, run)
		return
	}
	writeErr(w, http.StatusNotFound, errors.New("run not found: "+id))
}

func (a *API) runs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if r.URL.Query().Get("source") == "store" {
		if a.d.Store == nil {
			writeErr(w, http.StatusNotFound, storage.ErrDisabled)
			return
		}
		runs, err := a.d.Store.RecentRuns(r.Context(), limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  a.d.Executor.Active(),
		"history": a.d.Executor.History(limit),
	})
}

type jobView struct {
	Name         string            `json:"name"`
	Handler      string            `json:"handler"`
	Trigger      string            `json:"trigger"`
	Timeout      string            `json:"timeout,omitempty"`
	AllowOverlap bool              `json:"allow_overlap,omitempty"`
	MaxAttempts  int               `json:"max_attempts"`
	Params       map[string]string `json:"params,omitempty"`
	Next         *time.Time        `json:"next,omitempty"`
}

func (a *API) jobs(w http.ResponseWriter, _ *http.Request) {
	next := map[string]time.Time{}
	for _, e := range a.d.Scheduler.Entries() {
		next[e.Job] = e.Next
	}
	descs := a.d.Executor.Jobs()
	out := make([]jobView, 0, len(descs))
	for _, d := range descs {
		v := jobView{
			Name:         d.Name,
			Handler:      d.Handler,
			Trigger:      d.Trigger.String(),
			AllowOverlap: d.AllowOverlap,
			MaxAttempts:  d.Retry.MaxAttempts,
			Params:       d.Params,
		}
		if d.Timeout > 0 {
			v.Timeout = d.Timeout.String()
		}
		if n, ok := next[d.Name]; ok && !n.IsZero() {
			n := n
			v.Next = &n
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"executor": a.d.Executor.Snapshot(),
		"scheduler": map[string]any{
			"provider": a.d.Scheduler.Name(),
			"paused":   a.d.Scheduler.Paused(),
			"entries":  len(a.d.Scheduler.Entries()),
		},
	}
	if a.d.Store != nil {
		if st, err := a.d.Store.Stats(r.Context()); err == nil {
			body["store"] = st
		}
	}
	if a.d.Extra != nil {
		for k, v := range a.d.Extra() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// publish accepts {"kind": "...", ...fields} for the externally raised kinds.
func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	if a.d.Publisher == nil {
		writeErr(w, http.StatusNotFound, errors.New("event publishing disabled"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	a.d.Publisher.Dispatch(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID(), "kind": string(ev.Kind())})
}

// DecodeEvent builds a domain event from an external JSON body. Job
// lifecycle kinds are reserved for the executor.
func DecodeEvent(raw []byte) (events.Event, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	meta := events.NewMeta()
	var (
		ev  events.Event
		err error
	)
	switch events.Kind(strings.TrimSpace(head.Kind)) {
	case events.KindRecommendationGenerated:
		var e events.RecommendationGenerated
		err = json.Unmarshal(raw, &e)
		if err == nil && e.UserID == "" {
			err = errors.New("user_id required")
		}
		e.Meta = meta
		ev = e
	case events.KindModelDeployed:
		var e events.ModelDeployed
		err = json.Unmarshal(raw, &e)
		if err == nil && e.Model == "" {
			err = errors.New("model required")
		}
		e.Meta = meta
		ev = e
	case events.KindRiskLevelChanged:
		var e events.RiskLevelChanged
		err = json.Unmarshal(raw, &e)
		if err == nil && e.UserID == "" {
			err = errors.New("user_id required")
		}
		e.Meta = meta
		ev = e
	default:
		return nil, errors.New("unsupported event kind: " + head.Kind)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
