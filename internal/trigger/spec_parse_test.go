package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScheduleCron(t *testing.T) {
	for _, s := range []string{"*/5 * * * *", "55 * * * *", "@hourly", "@every 55m", "cron:15 3 * * 1"} {
		spec, err := ParseSchedule(s)
		require.NoError(t, err, s)
		require.Equal(t, SpecCron, spec.Kind, s)
		require.NotEmpty(t, spec.Cron, s)
	}
}

func TestParseScheduleInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		src  string
	}{
		{"55m", 55 * time.Minute, "duration"},
		{"2h30m", 2*time.Hour + 30*time.Minute, "duration"},
		{"00:50", 50 * time.Minute, "hhmm"},
		{"02:30", 2*time.Hour + 30*time.Minute, "hhmm"},
		{"interval:45m", 45 * time.Minute, "duration"},
		{"every:01:00", time.Hour, "hhmm"},
	}
	for _, c := range cases {
		spec, err := ParseSchedule(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, SpecInterval, spec.Kind, c.in)
		require.Equal(t, c.want, spec.Every, c.in)
		require.Equal(t, c.src, spec.Source, c.in)
	}
}

func TestParseScheduleRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "   ", "0m", "-5m", "nonsense", "02:61", "cron:", "interval:"} {
		_, err := ParseSchedule(s)
		require.Error(t, err, "%q", s)
	}
}
