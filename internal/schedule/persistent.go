package schedule

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"recworker/internal/job"
	logx "recworker/pkg/logx"
)

const defaultClaimBatch = 64

// StoredTrigger is the durable form of a scheduled trigger.
type StoredTrigger struct {
	Job       string
	Expr      string
	NextFire  time.Time
	Owner     string
	UpdatedAt time.Time
}

// Claim is one fire won by this instance.
type Claim struct {
	Job      string
	FiredAt  time.Time
	NextFire time.Time
}

// NextFunc computes the next fire of job after a claimed fire. A zero time
// means the job is unknown to this instance and must not be claimed.
type NextFunc func(job string, fired, now time.Time) time.Time

// TriggerStore persists triggers and arbitrates claims between instances.
// ClaimDue must advance next_fire atomically so each fire is claimed once
// no matter how many instances poll the same store.
type TriggerStore interface {
	// UpsertTrigger keeps the stored next fire when the expression is unchanged.
	UpsertTrigger(ctx context.Context, t StoredTrigger) error
	DeleteTrigger(ctx context.Context, job string) error
	// ClaimDue may return claims together with an error when the batch
	// fails partway; those claims are won and already advanced.
	ClaimDue(ctx context.Context, now time.Time, owner string, limit int, next NextFunc) ([]Claim, error)
	ListTriggers(ctx context.Context) ([]StoredTrigger, error)
}

// PersistentProvider keeps triggers in a TriggerStore. Several workers may
// poll the same store; the store's claim semantics keep a fire from being
// dispatched twice.
type PersistentProvider struct {
	*loop

	store TriggerStore
	owner string
	batch int
	warn  *logx.Throttle

	mu      sync.Mutex
	handles map[string]Handle
	descs   map[string]job.Descriptor
	now     func() time.Time
}

func NewPersistent(cfg Config, store TriggerStore, log logx.Logger) *PersistentProvider {
	owner := cfg.InstanceID
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	batch := cfg.ClaimBatch
	if batch <= 0 {
		batch = defaultClaimBatch
	}
	return &PersistentProvider{
		loop:    newLoop(ProviderPersistent, cfg.PollInterval, log.With(logx.String("owner", owner))),
		store:   store,
		owner:   owner,
		batch:   batch,
		warn:    logx.NewThrottle(30 * time.Second),
		handles: make(map[string]Handle),
		descs:   make(map[string]job.Descriptor),
		now:     time.Now,
	}
}

func (p *PersistentProvider) Name() string  { return ProviderPersistent }
func (p *PersistentProvider) Owner() string { return p.owner }

func (p *PersistentProvider) Schedule(d job.Descriptor) (Handle, error) {
	if err := d.Validate(); err != nil {
		return Handle{}, err
	}
	p.mu.Lock()
	if _, ok := p.descs[d.Name]; ok {
		p.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %q", ErrAlreadyScheduled, d.Name)
	}
	h := Handle{Job: d.Name, seq: p.seq.Add(1)}
	p.descs[d.Name] = d
	p.handles[d.Name] = h
	p.mu.Unlock()

	now := p.now()
	err := p.store.UpsertTrigger(context.Background(), StoredTrigger{
		Job:       d.Name,
		Expr:      d.Trigger.String(),
		NextFire:  d.Trigger.Next(now),
		Owner:     p.owner,
		UpdatedAt: now,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.descs, d.Name)
		delete(p.handles, d.Name)
		p.mu.Unlock()
		return Handle{}, fmt.Errorf("schedule %q: %w", d.Name, err)
	}
	return h, nil
}

// Unschedule stops this instance from claiming the job and removes the
// stored trigger.
func (p *PersistentProvider) Unschedule(h Handle) error {
	p.mu.Lock()
	cur, ok := p.handles[h.Job]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotScheduled, h.Job)
	}
	if cur.seq != h.seq {
		p.mu.Unlock()
		return nil
	}
	delete(p.handles, h.Job)
	delete(p.descs, h.Job)
	p.mu.Unlock()
	return p.store.DeleteTrigger(context.Background(), h.Job)
}

func (p *PersistentProvider) Start(ctx context.Context) error { return p.start(ctx, p.tick) }

func (p *PersistentProvider) Stop(ctx context.Context) error { return p.stop(ctx) }

func (p *PersistentProvider) next(name string, fired, now time.Time) time.Time {
	p.mu.Lock()
	d, ok := p.descs[name]
	p.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return nextAfter(d.Trigger, fired, now)
}

func (p *PersistentProvider) tick(ctx context.Context, now time.Time) {
	// Claims returned alongside an error were already advanced in the store
	// and must still be emitted.
	claims, err := p.store.ClaimDue(ctx, now, p.owner, p.batch, p.next)
	sort.Slice(claims, func(i, j int) bool { return claims[i].FiredAt.Before(claims[j].FiredAt) })
	for _, c := range claims {
		p.log.Trace("trigger claimed", logx.String("job", c.Job), logx.Time("fired_at", c.FiredAt), logx.Time("next", c.NextFire))
		if !p.emit(ctx, job.DueNotice{Job: c.Job, ScheduledAt: c.FiredAt, FiredAt: now}) {
			return
		}
	}
	if err != nil {
		if ok, suppressed := p.warn.Allow("claim"); ok {
			p.log.Warn("claim due triggers failed", logx.Err(err), logx.Int("claimed", len(claims)), logx.Uint64("suppressed", suppressed))
		}
	}
}

// Entries lists the stored triggers for jobs scheduled on this instance.
func (p *PersistentProvider) Entries() []Entry {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := p.store.ListTriggers(ctx)
	if err != nil {
		p.log.Warn("list triggers failed", logx.Err(err))
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(stored))
	for _, t := range stored {
		if _, ok := p.descs[t.Job]; !ok {
			continue
		}
		out = append(out, Entry{Job: t.Job, Trigger: t.Expr, Next: t.NextFire})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
