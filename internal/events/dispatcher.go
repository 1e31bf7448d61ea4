package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	logx "recworker/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrNilHandler  = errors.New("nil event handler")
)

// Handler consumes one event. A returned error is a handler fault: it is logged
// and reported, never propagated to the dispatching caller.
//
// Handlers run synchronously on the dispatching goroutine; a handler that needs
// slow I/O should hand the work to its own background worker.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// FaultHook observes isolated handler faults (metrics, tests).
type FaultHook func(kind Kind, handler string, err error)

type registered struct {
	name string
	h    Handler
}

// Dispatcher delivers each event to the handlers registered for its kind,
// sequentially and in registration order.
type Dispatcher struct {
	log logx.Logger

	mu      sync.RWMutex
	byKind  map[Kind][]registered
	onFault FaultHook
}

type Option func(*Dispatcher)

func WithFaultHook(fn FaultHook) Option {
	return func(d *Dispatcher) { d.onFault = fn }
}

func NewDispatcher(log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, byKind: map[Kind][]registered{}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register appends h to the handler list of kind.
func (d *Dispatcher) Register(kind Kind, name string, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if h == nil {
		return ErrNilHandler
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%T", h)
	}
	d.mu.Lock()
	d.byKind[kind] = append(d.byKind[kind], registered{name: name, h: h})
	d.mu.Unlock()
	return nil
}

// RegisterFunc is Register for plain functions.
func (d *Dispatcher) RegisterFunc(kind Kind, name string, fn func(ctx context.Context, ev Event) error) error {
	if fn == nil {
		return ErrNilHandler
	}
	return d.Register(kind, name, HandlerFunc(fn))
}

// RegisterAll appends h to the handler list of every kind.
func (d *Dispatcher) RegisterAll(name string, h Handler) error {
	for _, k := range allKinds {
		if err := d.Register(k, name, h); err != nil {
			return err
		}
	}
	return nil
}

// Handlers returns handler names for kind, in delivery order.
func (d *Dispatcher) Handlers(kind Kind) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hs := d.byKind[kind]
	out := make([]string, 0, len(hs))
	for _, r := range hs {
		out = append(out, r.name)
	}
	return out
}

// Dispatch delivers ev to every handler registered for its kind and returns
// once all of them have run. An event with no handlers is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kind := ev.Kind()

	// Snapshot so handlers may register further handlers without deadlocking.
	d.mu.RLock()
	hs := d.byKind[kind]
	d.mu.RUnlock()

	for _, r := range hs {
		if err := d.invoke(ctx, r, ev); err != nil {
			d.log.Warn("event handler fault",
				logx.String("kind", string(kind)),
				logx.String("event_id", ev.ID()),
				logx.String("handler", r.name),
				logx.Err(err),
			)
			if d.onFault != nil {
				d.onFault(kind, r.name, err)
			}
		}
	}
}

// DispatchAll dispatches events in order.
func (d *Dispatcher) DispatchAll(ctx context.Context, evs ...Event) {
	for _, ev := range evs {
		d.Dispatch(ctx, ev)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, r registered, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			d.log.Error("event handler panicked", logx.String("handler", r.name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return r.h.Handle(ctx, ev)
}
