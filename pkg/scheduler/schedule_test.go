package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScheduleInterval(t *testing.T) {
	s, err := ParseSchedule("interval:30")
	require.NoError(t, err)
	require.False(t, s.IsOneShot())

	now := time.Now()
	require.Equal(t, now, s.FirstRun(now))
	require.Equal(t, now.Add(30*time.Second), s.Next(now))
}

func TestParseScheduleIntervalRejectsNonPositive(t *testing.T) {
	_, err := ParseSchedule("interval:0")
	require.Error(t, err)
}

func TestParseScheduleAt(t *testing.T) {
	target := time.Now().Add(time.Hour).UTC()
	s, err := ParseSchedule("at:" + target.Format(time.RFC3339))
	require.NoError(t, err)
	require.True(t, s.IsOneShot())

	now := time.Now()
	require.WithinDuration(t, target, s.FirstRun(now), time.Second)
	require.True(t, s.Next(target.Add(time.Minute)).IsZero(), "an already-past at: schedule has no further occurrence")
}

func TestParseScheduleCron(t *testing.T) {
	s, err := ParseSchedule("cron:0 3 * * *")
	require.NoError(t, err)
	require.False(t, s.IsOneShot())

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.Next(from)
	require.Equal(t, 3, next.Hour())
	require.Equal(t, 0, next.Minute())
}

func TestParseScheduleRejectsUnknownForm(t *testing.T) {
	_, err := ParseSchedule("weekly:monday")
	require.Error(t, err)
}
