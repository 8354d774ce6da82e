package utils

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kolkataClock(t *testing.T, utc time.Time) *SchedulingClock {
	t.Helper()
	c, err := NewSchedulingClock("Asia/Kolkata")
	require.NoError(t, err)
	c.nowFn = func() time.Time { return utc }
	return c
}

func TestSchedulingClockToday(t *testing.T) {
	// 20:00 UTC is 01:30 the next day in Kolkata
	c := kolkataClock(t, time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC))

	date, clock := c.Today()
	assert.Equal(t, "2024-03-10", date)
	assert.Equal(t, "01:30:00", clock)
	assert.Equal(t, "2024-03-11", c.Tomorrow())
}

func TestSchedulingClockCombine(t *testing.T) {
	c := kolkataClock(t, time.Now())

	at, err := c.Combine("2024-03-10", "09:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC), at.UTC())

	_, err = c.Combine("2024-13-10", "09:00:00")
	assert.Error(t, err)
}

func TestSchedulingClockIsDue(t *testing.T) {
	c := kolkataClock(t, time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)) // 09:00 local

	assert.True(t, c.IsDue("2024-03-09", "23:59:59"))
	assert.True(t, c.IsDue("2024-03-10", "09:00:00"))
	assert.False(t, c.IsDue("2024-03-10", "09:00:01"))
	assert.False(t, c.IsDue("2024-03-11", "00:00:00"))
}

func TestNewSchedulingClockRejectsUnknownZone(t *testing.T) {
	_, err := NewSchedulingClock("Nowhere/Special")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "नम", Truncate("नमस्ते", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LoggerOptions{Level: "debug", Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	_, err = NewLogger(LoggerOptions{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerOptions{Format: "xml"})
	assert.Error(t, err)

	log, err = NewLogger(LoggerOptions{Output: "both", FilePath: filepath.Join(t.TempDir(), "app.log"), MaxSize: 1})
	require.NoError(t, err)
	log.Info("written")
}
