package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"recworker/internal/events"
	"recworker/internal/job"
	"recworker/internal/schedule"
	logx "recworker/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

const defaultPruneEvery = 500

// SQLiteStore is the audit store and durable trigger store on one database.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

var (
	_ Store                 = (*SQLiteStore)(nil)
	_ schedule.TriggerStore = (*SQLiteStore)(nil)
)

func OpenSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Immediate transactions take the write lock at BEGIN.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers within a process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLiteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: defaultPruneEvery}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (s *SQLiteStore) AppendRun(ctx context.Context, r job.Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, job, status, attempt, scheduled_at, started_at, ended_at, duration_ms, class, err, abandoned)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, attempt=excluded.attempt,
		   started_at=excluded.started_at, ended_at=excluded.ended_at, duration_ms=excluded.duration_ms,
		   class=excluded.class, err=excluded.err, abandoned=excluded.abandoned`,
		r.ID, r.Job, string(r.Status), r.Attempt, ms(r.ScheduledAt), ms(r.StartedAt), ms(r.EndedAt),
		r.Duration().Milliseconds(), nullStr(r.Class), nullStr(r.ErrorDetail), r.Abandoned,
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(id, kind, at, payload) VALUES(?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Kind, rec.At, string(rec.Payload),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *SQLiteStore) maybePrune() {
	if s.retention <= 0 || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if n, err := s.Prune(ctx, time.Now().Add(-s.retention)); err != nil {
		s.log.Debug("opportunistic prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("opportunistic prune", logx.Int64("rows", n))
	}
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]job.Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, status, attempt, scheduled_at, started_at, ended_at, class, err, abandoned
		 FROM job_runs ORDER BY ended_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Run
	for rows.Next() {
		var (
			r                     job.Run
			status                string
			sched, started, ended int64
			class, detail         sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &status, &r.Attempt, &sched, &started, &ended, &class, &detail, &r.Abandoned); err != nil {
			return nil, err
		}
		r.Status = job.Status(status)
		r.ScheduledAt, r.StartedAt, r.EndedAt = fromMS(sched), fromMS(started), fromMS(ended)
		r.Class, r.ErrorDetail = class.String, detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RunStats(ctx context.Context, since time.Time) (RunStats, error) {
	if s == nil || s.db == nil {
		return RunStats{}, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(duration_ms), 0) FROM job_runs WHERE ended_at >= ? GROUP BY status`,
		since.UnixMilli())
	if err != nil {
		return RunStats{}, err
	}
	defer rows.Close()

	st := RunStats{Since: since, ByStatus: map[string]int{}}
	var totalMS int64
	for rows.Next() {
		var (
			status string
			n      int
			sum    int64
		)
		if err := rows.Scan(&status, &n, &sum); err != nil {
			return RunStats{}, err
		}
		st.ByStatus[status] = n
		st.Total += n
		totalMS += sum
	}
	if st.Total > 0 {
		st.AvgDuration = time.Duration(totalMS/int64(st.Total)) * time.Millisecond
	}
	return st, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cut := before.UnixMilli()
	var total int64
	for _, q := range []string{
		`DELETE FROM job_runs WHERE ended_at < ?`,
		`DELETE FROM events WHERE at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cut)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrDisabled
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM job_runs), (SELECT COUNT(*) FROM events), (SELECT COUNT(*) FROM triggers)`,
	).Scan(&st.Runs, &st.Events, &st.Triggers)
	return st, err
}

func (s *SQLiteStore) UpsertTrigger(ctx context.Context, t schedule.StoredTrigger) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers(job, expr, next_fire, owner, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(job) DO UPDATE SET
		   next_fire = CASE WHEN triggers.expr = excluded.expr AND triggers.next_fire > 0
		                    THEN triggers.next_fire ELSE excluded.next_fire END,
		   expr = excluded.expr, owner = excluded.owner, updated_at = excluded.updated_at`,
		t.Job, t.Expr, ms(t.NextFire), nullStr(t.Owner), ms(t.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE job = ?`, name)
	return err
}

// ClaimDue advances each due trigger with a compare-and-set on next_fire, so
// another worker sharing the database file can never claim the same fire.
func (s *SQLiteStore) ClaimDue(ctx context.Context, now time.Time, owner string, limit int, next schedule.NextFunc) ([]schedule.Claim, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// BEGIN IMMEDIATE via _txlock in the DSN.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT job, next_fire FROM triggers WHERE next_fire > 0 AND next_fire <= ? ORDER BY next_fire, job LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	type due struct {
		job  string
		fire int64
	}
	var pending []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.job, &d.fire); err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claims []schedule.Claim
	for _, d := range pending {
		fired := fromMS(d.fire)
		n := next(d.job, fired, now)
		if n.IsZero() {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE triggers SET next_fire = ?, owner = ?, updated_at = ? WHERE job = ? AND next_fire = ?`,
			n.UnixMilli(), owner, now.UnixMilli(), d.job, d.fire)
		if err != nil {
			return nil, err
		}
		if c, _ := res.RowsAffected(); c == 1 {
			claims = append(claims, schedule.Claim{Job: d.job, FiredAt: fired, NextFire: n})
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *SQLiteStore) ListTriggers(ctx context.Context) ([]schedule.StoredTrigger, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job, expr, next_fire, owner, updated_at FROM triggers ORDER BY job`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.StoredTrigger
	for rows.Next() {
		var (
			t             schedule.StoredTrigger
			next, updated int64
			owner         sql.NullString
		)
		if err := rows.Scan(&t.Job, &t.Expr, &next, &owner, &updated); err != nil {
			return nil, err
		}
		t.NextFire, t.UpdatedAt, t.Owner = fromMS(next), fromMS(updated), owner.String
		out = append(out, t)
	}
	return out, rows.Err()
}
