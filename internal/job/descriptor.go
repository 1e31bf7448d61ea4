package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"recworker/internal/events"
)

const (
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 15 * time.Second
	DefaultMaxAttempts   = 3
)

// RetryPolicy controls re-enqueueing of transient failures.
// Attempt n (n>=1) waits BaseDelay * 2^(n-1), capped at MaxDelay, before attempt n+1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads delays by ±Jitter (0.2 = 20%). Zero keeps delays exact;
	// a negative value takes the executor default.
	Jitter float64
}

func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Params are free-form job parameters from configuration.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (p Params) Duration(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Descriptor is the immutable definition of a recurring job.
// It is built once at startup from configuration and copied by value.
type Descriptor struct {
	Name         string
	Handler      string
	Trigger      Trigger
	Timeout      time.Duration
	AllowOverlap bool
	Retry        RetryPolicy
	Params       Params
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("job name required")
	}
	if strings.TrimSpace(d.Handler) == "" {
		return fmt.Errorf("job %q: handler required", d.Name)
	}
	if d.Trigger.IsZero() {
		return fmt.Errorf("job %q: trigger required", d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("job %q: timeout must be >= 0", d.Name)
	}
	return nil
}

// Body is a job implementation. It must observe ctx at each blocking I/O
// boundary: timeouts and shutdown are delivered only through ctx.
// Returned events are dispatched after the run reaches its terminal status.
type Body func(ctx context.Context, p Params) ([]events.Event, error)

var ErrUnknownHandler = errors.New("unknown job handler")

// Registry resolves Descriptor.Handler names to bodies.
type Registry struct {
	mu     sync.RWMutex
	bodies map[string]Body
}

func NewRegistry() *Registry {
	return &Registry{bodies: map[string]Body{}}
}

func (r *Registry) Register(name string, body Body) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name required")
	}
	if body == nil {
		return fmt.Errorf("handler %q: nil body", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bodies[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.bodies[name] = body
	return nil
}

func (r *Registry) Lookup(name string) (Body, error) {
	r.mu.RLock()
	b, ok := r.bodies[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return b, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.bodies))
	for k := range r.bodies {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
