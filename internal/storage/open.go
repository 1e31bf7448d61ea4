package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recworker/internal/schedule"
	logx "recworker/pkg/logx"
)

// Backend bundles what Open produced. Either field may be nil.
type Backend struct {
	Audit    Store
	Triggers schedule.TriggerStore

	closers []func() error
}

func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open initializes the configured stores. A disabled driver yields an empty
// Backend, never an error.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := normDriver(cfg.Driver)
	triggers := normDriver(cfg.Triggers)
	b := &Backend{}

	var sq *SQLiteStore
	switch driver {
	case "", "none":
	case "file":
		fs, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		b.Audit = fs
		b.closers = append(b.closers, fs.Close)
	case "sqlite":
		s, err := OpenSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		sq = s
		b.Audit = s
		b.closers = append(b.closers, s.Close)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}

	switch triggers {
	case "":
		if sq != nil {
			b.Triggers = sq
		}
	case "none":
	case "sqlite":
		if sq == nil {
			s, err := OpenSQLite(cfg, log)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			sq = s
			b.closers = append(b.closers, s.Close)
		}
		b.Triggers = sq
	case "redis":
		r, err := OpenRedis(ctx, cfg, log)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Triggers = r
		b.closers = append(b.closers, r.Close)
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown trigger store: %s", triggers)
	}

	log.Info("storage opened", logx.String("driver", orNone(driver)), logx.String("triggers", orNone(triggers)))
	return b, nil
}

func normDriver(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "sqlite3" {
		return "sqlite"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
