package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key (e.g. "queue_rejected:cleanup").
//
// A burst of one line is allowed per key, then one line every `every`.
// Suppressed lines are counted and reported on the next allowed line.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	keys map[string]*throttleKey
}

type throttleKey struct {
	lim        *rate.Limiter
	suppressed uint64
}

const maxThrottleKeys = 1024

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, keys: map[string]*throttleKey{}}
}

// Allow reports whether a line for key may be written now, along with the number of
// lines suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.keys[key]
	if k == nil {
		if len(t.keys) >= maxThrottleKeys {
			t.keys = map[string]*throttleKey{}
		}
		k = &throttleKey{lim: rate.NewLimiter(rate.Every(t.every), 1)}
		t.keys[key] = k
	}
	if !k.lim.Allow() {
		k.suppressed++
		return false, 0
	}
	n := k.suppressed
	k.suppressed = 0
	return true, n
}
