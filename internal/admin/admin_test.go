package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"recworker/internal/events"
	"recworker/internal/executor"
	"recworker/internal/job"
	"recworker/internal/schedule"
	logx "recworker/pkg/logx"
)

type capture struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capture) Dispatch(_ context.Context, ev events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *capture) DispatchAll(ctx context.Context, evs ...events.Event) {
	for _, ev := range evs {
		c.Dispatch(ctx, ev)
	}
}

func newTestAPI(t *testing.T) (http.Handler, *executor.Executor, *schedule.InternalProvider, *capture) {
	t.Helper()
	reg := job.NewRegistry()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_ = reg.Register("block", func(ctx context.Context, _ job.Params) ([]events.Event, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	pub := &capture{}
	ex := executor.New(executor.Config{MaxConcurrentJobs: 2}, reg, pub, logx.Nop())
	d := job.Descriptor{Name: "stats", Handler: "block", Trigger: job.Every(time.Hour)}
	if err := ex.Register(d); err != nil {
		t.Fatal(err)
	}
	ex.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	})
	p := schedule.NewInternal(schedule.Config{}, logx.Nop())
	if _, err := p.Schedule(d); err != nil {
		t.Fatal(err)
	}
	api := New(Deps{Executor: ex, Scheduler: p, Publisher: pub, Log: logx.Nop()})
	return api.Handler(false), ex, p, pub
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestTriggerAndInspectRuns(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestAPI(t)

	rec := do(h, http.MethodPost, "/jobs/stats/trigger", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger code = %d body=%s", rec.Code, rec.Body)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.RunID == "" {
		t.Fatalf("trigger body = %s", rec.Body)
	}

	if rec := do(h, http.MethodPost, "/jobs/stats/trigger", ""); rec.Code != http.StatusConflict {
		t.Fatalf("overlap code = %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/jobs/missing/trigger", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown code = %d", rec.Code)
	}

	rec = do(h, http.MethodGet, "/runs/"+out.RunID, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"job":"stats"`) {
		t.Fatalf("run = %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodGet, "/runs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run code = %d", rec.Code)
	}
	rec = do(h, http.MethodGet, "/runs", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), out.RunID) {
		t.Fatalf("runs = %s", rec.Body)
	}
	if rec := do(h, http.MethodGet, "/runs?source=store", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("store runs without store = %d", rec.Code)
	}
}

func TestPauseResumeAndStatus(t *testing.T) {
	t.Parallel()
	h, _, p, _ := newTestAPI(t)

	if rec := do(h, http.MethodPost, "/scheduler/pause", ""); rec.Code != http.StatusOK || !p.Paused() {
		t.Fatalf("pause = %d paused=%v", rec.Code, p.Paused())
	}
	rec := do(h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"paused":true`) {
		t.Fatalf("status = %s", rec.Body)
	}
	if rec := do(h, http.MethodPost, "/scheduler/resume", ""); rec.Code != http.StatusOK || p.Paused() {
		t.Fatalf("resume = %d paused=%v", rec.Code, p.Paused())
	}
	if rec := do(h, http.MethodGet, "/scheduler/pause", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause = %d", rec.Code)
	}

	rec = do(h, http.MethodGet, "/jobs", "")
	if !strings.Contains(rec.Body.String(), `"name":"stats"`) || !strings.Contains(rec.Body.String(), `"next"`) {
		t.Fatalf("jobs = %s", rec.Body)
	}
}

func TestPublishEvent(t *testing.T) {
	t.Parallel()
	h, _, _, pub := newTestAPI(t)
	tests := []struct {
		body string
		want int
	}{
		{`{"kind":"model.deployed","model":"ranker","version":"v7"}`, http.StatusAccepted},
		{`{"kind":"risk_level.changed","user_id":"42","from":"low","to":"high"}`, http.StatusAccepted},
		{`{"kind":"risk_level.changed","from":"low"}`, http.StatusBadRequest},
		{`{"kind":"job.completed","job":"x"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(h, http.MethodPost, "/events", tt.body); rec.Code != tt.want {
			t.Fatalf("POST /events %s = %d, want %d", tt.body, rec.Code, tt.want)
		}
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.evs) != 2 {
		t.Fatalf("dispatched = %d", len(pub.evs))
	}
	if md, ok := pub.evs[0].(events.ModelDeployed); !ok || md.Version != "v7" || md.ID() == "" {
		t.Fatalf("event = %+v", pub.evs[0])
	}
}
