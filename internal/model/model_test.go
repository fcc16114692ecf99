package model

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/recurrence"
)

func TestWeekSchedule_RoundTrip(t *testing.T) {
	var s NotificationSettings
	for d := time.Sunday; d <= time.Saturday; d++ {
		s.SetDay(d, DaySlot{Time: fmt.Sprintf("%02d:15", int(d)), Enabled: d%2 == 0})
	}

	week := s.Week()
	for d := time.Sunday; d <= time.Saturday; d++ {
		assert.Equal(t, fmt.Sprintf("%02d:15", int(d)), week.Day(d).Time, d.String())
		assert.Equal(t, d%2 == 0, week.Day(d).Enabled, d.String())
	}
	assert.Equal(t, "03:15", s.WednesdayTime)
	assert.False(t, s.WednesdayEnabled)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings(7)
	assert.Equal(t, uint(7), s.UserID)
	assert.False(t, s.Enabled)
	week := s.Week()
	assert.Equal(t, DaySlot{Time: "09:00", Enabled: true}, week.Day(time.Sunday))
	assert.Equal(t, DaySlot{Time: "08:00", Enabled: true}, week.Day(time.Monday))
	assert.Equal(t, DaySlot{Time: "09:00", Enabled: true}, week.Day(time.Saturday))
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "08:00", want: "08:00"},
		{in: "8:05", want: "08:05"},
		{in: " 23:59 ", want: "23:59"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseWeekday(t *testing.T) {
	d, ok := ParseWeekday("Wednesday")
	assert.True(t, ok)
	assert.Equal(t, time.Wednesday, d)

	d, ok = ParseWeekday("sun")
	assert.True(t, ok)
	assert.Equal(t, time.Sunday, d)

	_, ok = ParseWeekday("mo")
	assert.False(t, ok)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("in progress")
	assert.True(t, ok)
	assert.Equal(t, StatusInProgress, s)

	_, ok = ParseStatus("archived")
	assert.False(t, ok)
}

func TestTaskRule(t *testing.T) {
	due := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	dom := 31
	task := Task{
		IsRecurring:          true,
		DueDate:              &due,
		RecurrenceInterval:   "Weekly",
		RecurrenceWeekDays:   "5,1",
		RecurrenceDayOfMonth: &dom,
	}

	rule, err := task.Rule()
	require.NoError(t, err)
	assert.Equal(t, recurrence.Weekly, rule.Interval)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, rule.WeekDays)
	assert.Equal(t, 31, rule.DayOfMonth)
	assert.Equal(t, due, rule.DueDate)

	task.RecurrenceWeekDays = "9"
	_, err = task.Rule()
	assert.Error(t, err)
}
