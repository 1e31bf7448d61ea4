package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"recworker/internal/job"
	logx "recworker/pkg/logx"
)

type memEntry struct {
	handle Handle
	desc   job.Descriptor
	next   time.Time
}

// InternalProvider evaluates every trigger from one in-process polling loop.
// State is memory-only and lost on restart.
type InternalProvider struct {
	*loop

	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

func NewInternal(cfg Config, log logx.Logger) *InternalProvider {
	return &InternalProvider{
		loop:    newLoop(ProviderInternal, cfg.PollInterval, log),
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

func (p *InternalProvider) Name() string { return ProviderInternal }

func (p *InternalProvider) Schedule(d job.Descriptor) (Handle, error) {
	if err := d.Validate(); err != nil {
		return Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[d.Name]; ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrAlreadyScheduled, d.Name)
	}
	h := Handle{Job: d.Name, seq: p.seq.Add(1)}
	p.entries[d.Name] = &memEntry{handle: h, desc: d, next: d.Trigger.Next(p.now())}
	return h, nil
}

func (p *InternalProvider) Unschedule(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[h.Job]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotScheduled, h.Job)
	}
	if e.handle.seq == h.seq {
		delete(p.entries, h.Job)
	}
	return nil
}

func (p *InternalProvider) Start(ctx context.Context) error { return p.start(ctx, p.tick) }

func (p *InternalProvider) Stop(ctx context.Context) error { return p.stop(ctx) }

// tick emits one notice per trigger whose fire time has passed.
func (p *InternalProvider) tick(ctx context.Context, now time.Time) {
	for _, n := range p.collect(now) {
		if !p.emit(ctx, n) {
			return
		}
	}
}

func (p *InternalProvider) collect(now time.Time) []job.DueNotice {
	p.mu.Lock()
	var due []job.DueNotice
	for name, e := range p.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		due = append(due, job.DueNotice{Job: name, ScheduledAt: e.next, FiredAt: now})
		e.next = nextAfter(e.desc.Trigger, e.next, now)
	}
	p.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].Job < due[j].Job
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	return due
}

func (p *InternalProvider) Entries() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.entries))
	for name, e := range p.entries {
		out = append(out, Entry{Job: name, Trigger: e.desc.Trigger.String(), Next: e.next})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
