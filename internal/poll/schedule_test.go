package poll

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   SpecKind
		cron   string
		every  time.Duration
		source string
	}{
		{"*/30 * * * *", SpecCron, "*/30 * * * *", 0, "cron"},
		{"@hourly", SpecCron, "@hourly", 0, "cron"},
		{"cron:0 9 * * *", SpecCron, "0 9 * * *", 0, "cron"},
		{"30m", SpecInterval, "", 30 * time.Minute, "duration"},
		{"2h30m", SpecInterval, "", 2*time.Hour + 30*time.Minute, "duration"},
		{"00:50", SpecInterval, "", 50 * time.Minute, "hhmm"},
		{"02:30", SpecInterval, "", 2*time.Hour + 30*time.Minute, "hhmm"},
		{"interval:45m", SpecInterval, "", 45 * time.Minute, "duration"},
		{"every:01:15", SpecInterval, "", time.Hour + 15*time.Minute, "hhmm"},
		{"  30m  ", SpecInterval, "", 30 * time.Minute, "duration"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q) = %+v, want kind=%v cron=%q every=%v source=%q",
				tt.in, got, tt.kind, tt.cron, tt.every, tt.source)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "cron:", "interval:", "every:", "0m", "-5m", "banana", "12:99"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", in)
		}
	}
}

func TestCronSpecRendering(t *testing.T) {
	t.Parallel()
	p := ParsedSpec{Kind: SpecInterval, Every: 30 * time.Minute}
	if got := p.CronSpec(); got != "@every 30m0s" {
		t.Fatalf("CronSpec() = %q", got)
	}
	p = ParsedSpec{Kind: SpecCron, Cron: "*/5 * * * *"}
	if got := p.CronSpec(); got != "*/5 * * * *" {
		t.Fatalf("CronSpec() = %q", got)
	}
}
