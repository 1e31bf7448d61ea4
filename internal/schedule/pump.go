package schedule

import (
	"context"
	"errors"

	"recworker/internal/job"
	logx "recworker/pkg/logx"
)

// Submitter accepts due notices. *executor.Executor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, n job.DueNotice) (string, error)
}

// Pump forwards due notices from p into sub until ctx ends. Rejections are
// already reported by the submitter as job.skipped events and only logged here.
func Pump(ctx context.Context, p Provider, sub Submitter, log logx.Logger) error {
	due := p.Due()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-due:
			id, err := sub.Submit(ctx, n)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Debug("due notice not accepted", logx.String("job", n.Job), logx.Err(err))
				continue
			}
			log.Trace("due notice accepted", logx.String("job", n.Job), logx.String("run", id))
		}
	}
}
