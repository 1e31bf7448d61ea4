package executor

import (
	"container/heap"
	"time"

	"recworker/internal/job"
)

// queued is a run waiting for (or holding) a concurrency slot.
// Retries reuse the same queued value with a later ScheduledAt.
type queued struct {
	run   job.Run
	seq   uint64
	index int

	// breakerDone reports the final outcome to the job's circuit breaker.
	breakerDone func(success bool)
}

// runQueue orders waiting runs by scheduled time, then by enqueue sequence.
type runQueue []*queued

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	a, b := q[i].run.ScheduledAt, q[j].run.ScheduledAt
	if a.Equal(b) {
		return q[i].seq < q[j].seq
	}
	return a.Before(b)
}

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *runQueue) Push(x interface{}) {
	it := x.(*queued)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *runQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// governor enforces the global in-flight cap and due-time admission order.
// It is not safe for concurrent use; the executor guards it with its mutex.
type governor struct {
	max      int
	inFlight int
	peak     int
	seq      uint64
	queue    runQueue

	// reserved counts queued-or-running runs per job name.
	reserved map[string]int
}

func newGovernor(max int) *governor {
	if max <= 0 {
		max = 1
	}
	return &governor{max: max, reserved: make(map[string]int)}
}

func (g *governor) push(q *queued) {
	g.seq++
	q.seq = g.seq
	heap.Push(&g.queue, q)
}

// next pops the earliest due run when a slot is free and marks the slot taken.
// When the head is not yet due, wait is the time until it is; -1 means nothing
// can be admitted until a slot is released or a run is pushed.
func (g *governor) next(now time.Time) (q *queued, wait time.Duration) {
	if len(g.queue) == 0 || g.inFlight >= g.max {
		return nil, -1
	}
	head := g.queue[0]
	if d := head.run.ScheduledAt.Sub(now); d > 0 {
		return nil, d
	}
	heap.Pop(&g.queue)
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	return head, 0
}

func (g *governor) release() {
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// drain removes every waiting run.
func (g *governor) drain() []*queued {
	out := make([]*queued, 0, len(g.queue))
	for len(g.queue) > 0 {
		out = append(out, heap.Pop(&g.queue).(*queued))
	}
	return out
}

func (g *governor) reserve(name string) { g.reserved[name]++ }

func (g *governor) unreserve(name string) {
	if n := g.reserved[name]; n > 1 {
		g.reserved[name] = n - 1
		return
	}
	delete(g.reserved, name)
}

func (g *governor) busy(name string) bool { return g.reserved[name] > 0 }
