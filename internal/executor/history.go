package executor

import "recworker/internal/job"

// history is a fixed-size ring of terminal runs.
type history struct {
	buf  []job.Run
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 200
	}
	return &history{buf: make([]job.Run, size)}
}

func (h *history) add(r job.Run) {
	h.buf[h.next] = r
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// list returns up to limit runs, newest first. limit <= 0 returns all.
func (h *history) list(limit int) []job.Run {
	n := h.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]job.Run, 0, limit)
	idx := h.next
	for i := 0; i < limit; i++ {
		idx--
		if idx < 0 {
			idx = len(h.buf) - 1
		}
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *history) find(id string) (job.Run, bool) {
	for _, r := range h.list(0) {
		if r.ID == id {
			return r, true
		}
	}
	return job.Run{}, false
}
