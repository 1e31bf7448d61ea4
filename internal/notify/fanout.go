package notify

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"recworker/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload is what clients receive. Data holds a summary only; error text
// never leaves the process.
type Payload struct {
	Kind string         `json:"kind"`
	ID   string         `json:"id"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Pusher is the subset of Hub the fan-out needs.
type Pusher interface {
	PushToGroup(group string, payload []byte) int
}

// FanOut is an events.Handler pushing each event to its target group.
type FanOut struct {
	hub Pusher
}

func NewFanOut(h Pusher) *FanOut { return &FanOut{hub: h} }

func (f *FanOut) Handle(_ context.Context, ev events.Event) error {
	group := GroupFor(ev.Target())
	if group == "" {
		return nil
	}
	b, err := json.Marshal(PayloadFor(ev))
	if err != nil {
		return err
	}
	f.hub.PushToGroup(group, b)
	return nil
}

// GroupFor maps an event target to a group name; "" means not pushed.
func GroupFor(t events.Target) string {
	switch {
	case t.UserID != "":
		return UserGroup(t.UserID)
	case t.Topic != "":
		return t.Topic
	}
	return ""
}

func PayloadFor(ev events.Event) Payload {
	p := Payload{Kind: string(ev.Kind()), ID: ev.ID(), At: ev.OccurredAt()}
	switch e := ev.(type) {
	case events.JobCompleted:
		p.Data = map[string]any{"job": e.Job, "run_id": e.RunID, "status": e.Status, "duration_ms": e.Duration.Milliseconds()}
	case events.JobFailed:
		p.Data = map[string]any{"job": e.Job, "run_id": e.RunID, "attempts": e.Attempts, "status": "Failed"}
	case events.JobSkipped:
		p.Data = map[string]any{"job": e.Job, "reason": e.Reason}
	case events.RecommendationGenerated:
		p.Data = map[string]any{"model": e.Model, "game_ids": e.GameIDs}
	case events.ModelDeployed:
		p.Data = map[string]any{"model": e.Model, "version": e.Version}
	case events.RiskLevelChanged:
		p.Data = map[string]any{"from": e.From, "to": e.To}
	case events.ConfigChanged:
		p.Data = map[string]any{"sections": e.Sections}
	case events.StatisticsRefreshed:
		p.Data = map[string]any{
			"window_s":  int64(e.Window.Seconds()),
			"runs":      e.Runs,
			"succeeded": e.Succeeded,
			"failed":    e.Failed,
			"timed_out": e.TimedOut,
		}
	case events.ExportGenerated:
		p.Data = map[string]any{"name": e.Name, "rows": e.Rows}
	}
	return p
}
