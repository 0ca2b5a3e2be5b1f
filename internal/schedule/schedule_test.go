package schedule

import (
	"errors"
	"testing"
	"time"
)

// fixedNow is a Tuesday, 10:30 local.
var fixedNow = time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC)

func TestParse_Cron(t *testing.T) {
	kind, spec, err := Parse("cron 0 9 * * 1", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindCron || spec != "0 9 * * 1" {
		t.Errorf("got (%s, %q)", kind, spec)
	}
}

func TestParse_CronInvalid(t *testing.T) {
	_, _, err := Parse("cron not a cron", fixedNow)
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestParse_Every(t *testing.T) {
	kind, spec, err := Parse("every 15m", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindEvery {
		t.Errorf("kind = %s", kind)
	}
	d, err := time.ParseDuration(spec)
	if err != nil || d != 15*time.Minute {
		t.Errorf("spec = %q", spec)
	}
}

func TestParse_BareDuration(t *testing.T) {
	kind, spec, err := Parse("5m", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s", kind)
	}
	at, err := time.Parse(SpecTimeFormat, spec)
	if err != nil {
		t.Fatalf("spec %q unparseable: %v", spec, err)
	}
	if want := fixedNow.Add(5 * time.Minute); !at.Equal(want) {
		t.Errorf("at = %v, want %v", at, want)
	}
}

func TestParse_InForm(t *testing.T) {
	kind, spec, err := Parse("in 2 hours", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s", kind)
	}
	at, _ := time.Parse(SpecTimeFormat, spec)
	if want := fixedNow.Add(2 * time.Hour); !at.Equal(want) {
		t.Errorf("at = %v, want %v", at, want)
	}
}

func TestParse_EveryDayAt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"every day at 9am", "0 9 * * *"},
		{"every day at 21:15", "15 21 * * *"},
		{"every monday at 8:30am", "30 8 * * 1"},
		{"every sunday at 12pm", "0 12 * * 0"},
		{"every week at 7am", "0 7 * * 1"},
		{"every month at 6am", "0 6 1 * *"},
	}
	for _, tt := range tests {
		kind, spec, err := Parse(tt.in, fixedNow)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if kind != KindCron || spec != tt.want {
			t.Errorf("Parse(%q) = (%s, %q), want (cron, %q)", tt.in, kind, spec, tt.want)
		}
	}
}

func TestParse_TodayRollsToTomorrow(t *testing.T) {
	// 9am is already past at fixedNow (10:30).
	kind, spec, err := Parse("today at 9am", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s", kind)
	}
	at, _ := time.Parse(SpecTimeFormat, spec)
	want := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("at = %v, want %v", at, want)
	}
}

func TestParse_ClockFormRequiresMeridiem(t *testing.T) {
	kind, spec, err := Parse("at 4pm", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s", kind)
	}
	at, _ := time.Parse(SpecTimeFormat, spec)
	want := time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("at = %v, want %v", at, want)
	}
}

func TestParse_Tomorrow(t *testing.T) {
	kind, spec, err := Parse("tomorrow 8am", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s", kind)
	}
	at, _ := time.Parse(SpecTimeFormat, spec)
	want := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("at = %v, want %v", at, want)
	}
}

func TestParse_Midnight(t *testing.T) {
	_, spec, err := Parse("tomorrow at 12am", fixedNow)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	at, _ := time.Parse(SpecTimeFormat, spec)
	if at.Hour() != 0 {
		t.Errorf("12am parsed as hour %d", at.Hour())
	}
}

func TestParse_Garbage(t *testing.T) {
	for _, in := range []string{"", "whenever", "every banana"} {
		if _, _, err := Parse(in, fixedNow); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Parse(%q): expected ErrInvalidSchedule, got %v", in, err)
		}
	}
}

func TestNextRun_At(t *testing.T) {
	spec := fixedNow.Add(time.Hour).Format(SpecTimeFormat)

	next, err := NextRun(KindAt, spec, fixedNow)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("next = %v", next)
	}

	// A past "at" clamps to from.
	late := fixedNow.Add(2 * time.Hour)
	next, err = NextRun(KindAt, spec, late)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.Equal(late) {
		t.Errorf("past at: next = %v, want %v", next, late)
	}
}

func TestNextRun_Cron(t *testing.T) {
	next, err := NextRun(KindCron, "0 9 * * *", fixedNow)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

// NextRun must be monotonic in its reference time for valid inputs.
func TestNextRun_Monotonic(t *testing.T) {
	specs := []struct {
		kind Kind
		spec string
	}{
		{KindAt, fixedNow.Add(30 * time.Minute).Format(SpecTimeFormat)},
		{KindEvery, "10m"},
		{KindCron, "0 9 * * 1"},
	}
	times := []time.Time{
		fixedNow,
		fixedNow.Add(20 * time.Minute),
		fixedNow.Add(48 * time.Hour),
	}
	for _, s := range specs {
		var prev time.Time
		for i, from := range times {
			next, err := NextRun(s.kind, s.spec, from)
			if err != nil {
				t.Fatalf("NextRun(%s, %q, %v): %v", s.kind, s.spec, from, err)
			}
			if i > 0 && next.Before(prev) {
				t.Errorf("%s %q: NextRun not monotonic: %v then %v", s.kind, s.spec, prev, next)
			}
			prev = next
		}
	}
}
