// Package schedule parses human schedule strings into a (kind, spec)
// pair and computes next-run times from them. The parser is a pure
// function: it never touches storage and takes the current time as an
// argument so tests can pin it.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"
)

// Kind identifies the schedule type.
type Kind string

const (
	// KindAt is a one-shot run at an absolute time.
	KindAt Kind = "at"
	// KindEvery is a recurring fixed interval.
	KindEvery Kind = "every"
	// KindCron is a 5-field cron expression.
	KindCron Kind = "cron"
)

// ErrInvalidSchedule is returned when a schedule string cannot be
// understood or a stored spec fails to parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// SpecTimeFormat is the storage format for absolute "at" specs.
const SpecTimeFormat = time.RFC3339Nano

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var (
	reEvery    = regexp.MustCompile(`^every\s+(\d+)\s*([smhd])$`)
	reBareDur  = regexp.MustCompile(`^(\d+)\s*([smhd])$`)
	reIn       = regexp.MustCompile(`^in\s+(\d+)\s+(second|minute|hour|day|week)s?$`)
	reEveryAt  = regexp.MustCompile(`^every\s+(day|week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reTomorrow = regexp.MustCompile(`^tomorrow\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reToday    = regexp.MustCompile(`^today\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reClock    = regexp.MustCompile(`^(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
)

// weekdayDow maps weekday names to cron day-of-week numbers
// (Sunday = 0 .. Saturday = 6).
var weekdayDow = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

var unitDuration = map[string]time.Duration{
	"s": time.Second, "second": time.Second,
	"m": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"week": 7 * 24 * time.Hour,
}

// Parse maps a human schedule string to a (kind, spec) pair. The spec
// is storage-ready: an RFC3339 timestamp for "at", a Go duration
// string for "every", and a 5-field expression for "cron". now anchors
// relative forms ("5m", "today at 9am") and supplies the location used
// for wall-clock arithmetic.
func Parse(raw string, now time.Time) (Kind, string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", "", fmt.Errorf("%w: empty string", ErrInvalidSchedule)
	}

	// 1. cron <expr>
	if rest, ok := strings.CutPrefix(s, "cron "); ok {
		expr := strings.TrimSpace(rest)
		if _, err := cronParser.Parse(expr); err != nil {
			return "", "", fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
		}
		return KindCron, expr, nil
	}

	// 2. every N{s|m|h|d}
	if m := reEvery.FindStringSubmatch(s); m != nil {
		d, err := unitInterval(m[1], m[2])
		if err != nil {
			return "", "", err
		}
		return KindEvery, d.String(), nil
	}

	// 3. bare N{s|m|h|d} — one-shot delay
	if m := reBareDur.FindStringSubmatch(s); m != nil {
		d, err := unitInterval(m[1], m[2])
		if err != nil {
			return "", "", err
		}
		return KindAt, now.Add(d).Format(SpecTimeFormat), nil
	}

	// 4. in N (second|minute|hour|day|week)s?
	if m := reIn.FindStringSubmatch(s); m != nil {
		d, err := unitInterval(m[1], m[2])
		if err != nil {
			return "", "", err
		}
		return KindAt, now.Add(d).Format(SpecTimeFormat), nil
	}

	// 5. every (day|week|<weekday>|month) at H[:MM] [am|pm]
	if m := reEveryAt.FindStringSubmatch(s); m != nil {
		hour, minute, err := clockOf(m[2], m[3], m[4])
		if err != nil {
			return "", "", err
		}
		var expr string
		switch m[1] {
		case "day":
			expr = fmt.Sprintf("%d %d * * *", minute, hour)
		case "month":
			expr = fmt.Sprintf("%d %d 1 * *", minute, hour)
		case "week":
			// A weekly schedule with no day named aliases Monday.
			expr = fmt.Sprintf("%d %d * * 1", minute, hour)
		default:
			expr = fmt.Sprintf("%d %d * * %d", minute, hour, weekdayDow[m[1]])
		}
		return KindCron, expr, nil
	}

	// 6. tomorrow [at] H[:MM] [am|pm]
	if m := reTomorrow.FindStringSubmatch(s); m != nil {
		hour, minute, err := clockOf(m[1], m[2], m[3])
		if err != nil {
			return "", "", err
		}
		t := atClock(now.AddDate(0, 0, 1), hour, minute)
		return KindAt, t.Format(SpecTimeFormat), nil
	}

	// 7. today [at] H[:MM] [am|pm] — rolled to tomorrow if past
	if m := reToday.FindStringSubmatch(s); m != nil {
		hour, minute, err := clockOf(m[1], m[2], m[3])
		if err != nil {
			return "", "", err
		}
		return KindAt, rollForward(now, hour, minute).Format(SpecTimeFormat), nil
	}

	// 8. [at] H[:MM] (am|pm) — rolled to tomorrow if past
	if m := reClock.FindStringSubmatch(s); m != nil {
		hour, minute, err := clockOf(m[1], m[2], m[3])
		if err != nil {
			return "", "", err
		}
		return KindAt, rollForward(now, hour, minute).Format(SpecTimeFormat), nil
	}

	// 9. Natural-language fallback ("next friday 3pm", "2026-03-01 10:00").
	if t, ok := parseNatural(raw, now); ok {
		return KindAt, t.Format(SpecTimeFormat), nil
	}

	return "", "", fmt.Errorf("%w: %q", ErrInvalidSchedule, raw)
}

// NextRun computes the next execution time strictly derived from
// (kind, spec) and the reference time. For "at" the result is
// max(from, spec); for "every" it is from + interval; for "cron" it is
// the first tick strictly after from.
func NextRun(kind Kind, spec string, from time.Time) (time.Time, error) {
	switch kind {
	case KindAt:
		t, err := time.Parse(SpecTimeFormat, spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: at spec %q: %v", ErrInvalidSchedule, spec, err)
		}
		if t.Before(from) {
			return from, nil
		}
		return t, nil

	case KindEvery:
		d, err := time.ParseDuration(spec)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("%w: every spec %q", ErrInvalidSchedule, spec)
		}
		return from.Add(d), nil

	case KindCron:
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron spec %q: %v", ErrInvalidSchedule, spec, err)
		}
		return sched.Next(from), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
}

func unitInterval(count, unit string) (time.Duration, error) {
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidSchedule, count)
	}
	base, ok := unitDuration[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unit %q", ErrInvalidSchedule, unit)
	}
	return time.Duration(n) * base, nil
}

// clockOf normalizes an (hour, minute, meridiem) triple. 12am maps to
// 0 and 12pm stays 12.
func clockOf(hourStr, minuteStr, meridiem string) (int, int, error) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: hour %q", ErrInvalidSchedule, hourStr)
	}
	minute := 0
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: minute %q", ErrInvalidSchedule, minuteStr)
		}
	}
	switch meridiem {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: clock %s:%02d", ErrInvalidSchedule, hourStr, minute)
	}
	return hour, minute, nil
}

// atClock returns the wall-clock time on ref's date in ref's location.
func atClock(ref time.Time, hour, minute int) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, ref.Location())
}

// rollForward returns today at the given clock, or tomorrow if that
// moment has already passed.
func rollForward(now time.Time, hour, minute int) time.Time {
	t := atClock(now, hour, minute)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// parseNatural hands the raw string to the natural-language date
// parser as a last resort. Only full-string matches count: a partial
// match means the input was mostly something else.
func parseNatural(raw string, now time.Time) (time.Time, bool) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(raw, now)
	if err != nil || r == nil || !strings.EqualFold(strings.TrimSpace(r.Text), strings.TrimSpace(raw)) {
		// Absolute timestamps fall through to the stdlib formats.
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
			if t, perr := time.ParseInLocation(layout, strings.TrimSpace(raw), now.Location()); perr == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	return r.Time, true
}
