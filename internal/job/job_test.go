package job

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"recworker/internal/events"
)

func TestParseTriggerVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     TriggerKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: TriggerCron, source: "cron"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: TriggerCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: TriggerCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: TriggerCron, source: "cron"},
		{name: "at every", raw: "@every 90s", kind: TriggerInterval, source: "duration", duration: 90 * time.Second},
		{name: "duration", raw: "10m", kind: TriggerInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: TriggerInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:1s", kind: TriggerInterval, source: "duration", duration: time.Second},
		{name: "hhmm", raw: "01:30", kind: TriggerInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrigger(tt.raw)
			if err != nil {
				t.Fatalf("ParseTrigger(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == TriggerInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.IsZero() {
				t.Fatal("parsed trigger reports IsZero")
			}
		})
	}
}

func TestParseTriggerInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:-5s", "cron:", "61 * * * *", "00:75"} {
		if _, err := ParseTrigger(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestTriggerNext(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)

	every := Every(time.Second)
	if got := every.Next(base); !got.Equal(base.Add(time.Second)) {
		t.Fatalf("interval Next = %v", got)
	}

	cr, err := ParseTriggerIn("*/15 * * * *", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	if got := cr.Next(base); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}

	var zero Trigger
	if !zero.Next(base).IsZero() {
		t.Fatal("zero trigger should never fire")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain", errors.New("bad row"), ClassPermanent},
		{"transient", Transient(errors.New("conn reset")), ClassTransient},
		{"wrapped transient", fmt.Errorf("refresh: %w", Transient(errors.New("x"))), ClassTransient},
		{"permanent wins", Permanent(Transient(errors.New("x"))), ClassPermanent},
		{"retry after", RetryAfter(errors.New("429"), time.Second), ClassTransient},
		{"canceled", context.Canceled, ClassCancellation},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ClassCancellation},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ClassTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestBackoffDoubling(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := Backoff(p, i+1, 0, false, nil); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	if got := Backoff(p, 1, 2*time.Second, true, nil); got != 500*time.Millisecond {
		t.Fatalf("hint not capped: %v", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	noop := func(ctx context.Context, p Params) ([]events.Event, error) { return nil, nil }
	if err := r.Register("noop", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("noop", noop); err == nil {
		t.Fatal("duplicate register should fail")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Fatal("nil body should fail")
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("err = %v, want ErrUnknownHandler", err)
	}
	if _, err := r.Lookup("noop"); err != nil {
		t.Fatal(err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "noop" {
		t.Fatalf("Names = %v", got)
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	p := Params{"retention": "72h", "limit": "50", "bad": "x", "user": " 9 "}
	if got := p.Duration("retention", time.Hour); got != 72*time.Hour {
		t.Fatalf("Duration = %v", got)
	}
	if got := p.Int("limit", 1); got != 50 {
		t.Fatalf("Int = %d", got)
	}
	if got := p.Int("bad", 7); got != 7 {
		t.Fatalf("Int fallback = %d", got)
	}
	if got := p.String("user", ""); got != "9" {
		t.Fatalf("String = %q", got)
	}
	c := p.Clone()
	c["limit"] = "1"
	if p["limit"] != "50" {
		t.Fatal("Clone shares storage")
	}
}
