// Package schedule decides when jobs become due. Providers only emit due
// notices; execution belongs to the executor, which consumes them via Pump.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"recworker/internal/job"
	logx "recworker/pkg/logx"
)

const (
	ProviderInternal   = "internal"
	ProviderPersistent = "persistent"

	DefaultPollInterval = time.Second
	dueBuffer           = 256
)

var (
	ErrAlreadyScheduled = errors.New("job already scheduled")
	ErrNotScheduled     = errors.New("job not scheduled")
	ErrRunning          = errors.New("provider already running")
)

// Handle identifies one Schedule call. Unscheduling with a stale handle
// (after the job was rescheduled) is a no-op.
type Handle struct {
	Job string
	seq uint64
}

// Entry is a diagnostic view of one scheduled trigger.
type Entry struct {
	Job     string    `json:"job"`
	Trigger string    `json:"trigger"`
	Next    time.Time `json:"next"`
}

// Provider is a pluggable scheduling backend.
type Provider interface {
	Name() string
	Schedule(d job.Descriptor) (Handle, error)
	Unschedule(h Handle) error
	// Due delivers one notice per satisfied trigger.
	Due() <-chan job.DueNotice
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause()
	Resume()
	Paused() bool
	Entries() []Entry
}

type Config struct {
	Provider     string
	PollInterval time.Duration
	// InstanceID names this worker when claiming persistent triggers.
	InstanceID string
	// ClaimBatch caps claims per poll. 0 takes a default.
	ClaimBatch int
}

// New selects the provider named by cfg. The persistent provider needs a store.
func New(cfg Config, store TriggerStore, log logx.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderInternal:
		return NewInternal(cfg, log), nil
	case ProviderPersistent:
		if store == nil {
			return nil, errors.New("persistent scheduler requires a trigger store (storage.driver sqlite or redis)")
		}
		return NewPersistent(cfg, store, log), nil
	default:
		return nil, fmt.Errorf("unknown scheduler provider %q", cfg.Provider)
	}
}

// loop is the polling machinery shared by both providers.
type loop struct {
	name   string
	poll   time.Duration
	log    logx.Logger
	due    chan job.DueNotice
	paused atomic.Bool
	seq    atomic.Uint64

	lmu    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoop(name string, poll time.Duration, log logx.Logger) *loop {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &loop{name: name, poll: poll, log: log, due: make(chan job.DueNotice, dueBuffer)}
}

func (l *loop) Due() <-chan job.DueNotice { return l.due }

func (l *loop) Pause() {
	if !l.paused.Swap(true) {
		l.log.Info("scheduling paused")
	}
}

func (l *loop) Resume() {
	if l.paused.Swap(false) {
		l.log.Info("scheduling resumed")
	}
}

func (l *loop) Paused() bool { return l.paused.Load() }

func (l *loop) start(ctx context.Context, tick func(ctx context.Context, now time.Time)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.lmu.Lock()
	defer l.lmu.Unlock()
	if l.cancel != nil {
		return ErrRunning
	}
	c, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		t := time.NewTicker(l.poll)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case now := <-t.C:
				if l.paused.Load() {
					continue
				}
				tick(c, now)
			}
		}
	}()
	l.log.Info("scheduler started", logx.String("provider", l.name), logx.Duration("poll", l.poll))
	return nil
}

func (l *loop) stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.lmu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lmu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		l.log.Info("scheduler stopped", logx.String("provider", l.name))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit blocks until the notice is buffered or ctx ends.
func (l *loop) emit(ctx context.Context, n job.DueNotice) bool {
	select {
	case l.due <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// nextAfter advances a trigger past now. Fires missed by more than one
// period collapse into the single notice already emitted.
func nextAfter(t job.Trigger, prev, now time.Time) time.Time {
	n := t.Next(prev)
	if !n.IsZero() && !n.After(now) {
		n = t.Next(now)
	}
	return n
}
