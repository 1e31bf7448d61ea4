package job

import "time"

// DueNotice is emitted by a scheduling provider when a trigger fires.
// ScheduledAt is the instant the trigger was due; FiredAt is when the
// provider noticed it.
type DueNotice struct {
	Job         string
	ScheduledAt time.Time
	FiredAt     time.Time
}
