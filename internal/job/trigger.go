package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind describes the normalized kind of a schedule string.
type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerInterval
)

func (k TriggerKind) String() string {
	if k == TriggerInterval {
		return "interval"
	}
	return "cron"
}

// Trigger decides when a job becomes due.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (optional seconds), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Trigger struct {
	Kind   TriggerKind
	Expr   string        // normalized source expression
	Every  time.Duration // interval triggers only
	Source string        // "cron" | "duration" | "hhmm"

	sched cron.Schedule
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTrigger parses a schedule string in the local timezone.
func ParseTrigger(raw string) (Trigger, error) {
	return ParseTriggerIn(raw, nil)
}

// ParseTriggerIn parses a schedule string; cron expressions are evaluated in loc
// unless they carry their own CRON_TZ=/TZ= prefix.
func ParseTriggerIn(raw string, loc *time.Location) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr, loc)
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalTrigger(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalTrigger(s[len("every:"):])
	}

	// Any whitespace or leading '@' => cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		if strings.HasPrefix(low, "@every") {
			return parseIntervalTrigger(strings.TrimSpace(s[len("@every"):]))
		}
		return parseCron(s, loc)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Trigger{}, err
		}
		return intervalTrigger(d, "hhmm"), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, fmt.Errorf("interval must be > 0")
		}
		return intervalTrigger(d, "duration"), nil
	}

	return Trigger{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// MustTrigger is ParseTrigger for tests and static tables.
func MustTrigger(raw string) Trigger {
	t, err := ParseTrigger(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Every builds an interval trigger directly.
func Every(d time.Duration) Trigger { return intervalTrigger(d, "duration") }

func parseCron(expr string, loc *time.Location) (Trigger, error) {
	spec := expr
	up := strings.ToUpper(expr)
	if loc != nil && loc != time.Local && !strings.HasPrefix(up, "CRON_TZ=") && !strings.HasPrefix(up, "TZ=") {
		spec = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Trigger{Kind: TriggerCron, Expr: expr, Source: "cron", sched: sched}, nil
}

func parseIntervalTrigger(v string) (Trigger, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Trigger{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return Trigger{}, err
		}
		return intervalTrigger(d, "hhmm"), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Trigger{}, fmt.Errorf("interval must be > 0")
	}
	return intervalTrigger(d, "duration"), nil
}

func intervalTrigger(d time.Duration, source string) Trigger {
	return Trigger{Kind: TriggerInterval, Expr: "@every " + d.String(), Every: d, Source: source}
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// IsZero reports whether the trigger was never parsed.
func (t Trigger) IsZero() bool { return t.sched == nil && t.Every <= 0 }

// Next returns the first fire time strictly after `after`.
// Interval triggers fire every Every from the given point; cron triggers follow the
// expression. A zero time means the trigger never fires again.
func (t Trigger) Next(after time.Time) time.Time {
	switch t.Kind {
	case TriggerInterval:
		if t.Every <= 0 {
			return time.Time{}
		}
		return after.Add(t.Every)
	default:
		if t.sched == nil {
			return time.Time{}
		}
		return t.sched.Next(after)
	}
}

func (t Trigger) String() string { return t.Expr }
