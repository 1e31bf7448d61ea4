package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"recworker/internal/events"
	"recworker/internal/job"
	logx "recworker/pkg/logx"
)

// fileStore is a dependency-free audit backend.
//
// Files:
//   - <prefix>.runs.jsonl   (append-only JSON Lines, one terminal run each)
//   - <prefix>.events.jsonl (append-only JSON Lines, one event each)
//
// Runs are also kept in memory for queries. Prune rewrites both files.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath   string
	eventsPath string
	runsFile   *os.File
	eventsFile *os.File

	runs   map[string]job.Run
	events int64
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		runsPath:   prefix + ".runs.jsonl",
		eventsPath: prefix + ".events.jsonl",
		runs:       map[string]job.Run{},
	}
	_ = scanLines(s.runsPath, func(b []byte) {
		var r job.Run
		if json.Unmarshal(b, &r) == nil && r.ID != "" {
			s.runs[r.ID] = r
		}
	})
	_ = scanLines(s.eventsPath, func([]byte) { s.events++ })

	if err := s.reopenLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) reopenLocked() error {
	s.closeLocked()
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	ef, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return err
	}
	s.runsFile, s.eventsFile = rf, ef
	return nil
}

func (s *fileStore) closeLocked() error {
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.eventsFile != nil {
		err2 = s.eventsFile.Close()
		s.eventsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *fileStore) AppendRun(_ context.Context, r job.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runs[r.ID] = r
	return nil
}

func (s *fileStore) AppendEvent(_ context.Context, ev events.Event) error {
	rec, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("events file closed")
	}
	if err := json.NewEncoder(s.eventsFile).Encode(rec); err != nil {
		return err
	}
	s.events++
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, limit int) ([]job.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	out := make([]job.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].EndedAt.After(out[j].EndedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) RunStats(_ context.Context, since time.Time) (RunStats, error) {
	st := RunStats{Since: since, ByStatus: map[string]int{}}
	var total time.Duration
	s.mu.Lock()
	for _, r := range s.runs {
		if r.EndedAt.Before(since) {
			continue
		}
		st.ByStatus[string(r.Status)]++
		st.Total++
		total += r.Duration()
	}
	s.mu.Unlock()
	if st.Total > 0 {
		st.AvgDuration = (total / time.Duration(st.Total)).Truncate(time.Millisecond)
	}
	return st, nil
}

// Prune drops old runs and events, rewriting both files via tmp+rename.
func (s *fileStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := make([]job.Run, 0, len(s.runs))
	for id, r := range s.runs {
		if r.EndedAt.Before(before) {
			delete(s.runs, id)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].EndedAt.Before(kept[j].EndedAt) })

	var keptEvents [][]byte
	cut := before.UnixMilli()
	_ = scanLines(s.eventsPath, func(b []byte) {
		var rec eventRecord
		if json.Unmarshal(b, &rec) != nil || rec.At < cut {
			removed++
			return
		}
		keptEvents = append(keptEvents, append([]byte(nil), b...))
	})
	if removed == 0 {
		return 0, nil
	}

	if err := rewrite(s.runsPath, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for _, r := range kept {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if err := rewrite(s.eventsPath, func(w *bufio.Writer) error {
		for _, b := range keptEvents {
			if _, err := w.Write(append(b, '\n')); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	s.events = int64(len(keptEvents))
	return removed, s.reopenLocked()
}

func (s *fileStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Runs: int64(len(s.runs)), Events: s.events}, nil
}

func rewrite(path string, fill func(w *bufio.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		fn(sc.Bytes())
	}
	return sc.Err()
}
