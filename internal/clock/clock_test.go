package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	start := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Minute), c.Advance(time.Minute))
	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2025, time.March, 10, 14, 25, 0, 0, loc)

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, loc), StartOfDay(now))
	assert.Equal(t, time.Date(2025, time.March, 10, 23, 59, 59, 999999999, loc), EndOfDay(now))
}

func TestSameDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	// 22:30 UTC on the 9th is already the 10th in UTC+3.
	a := time.Date(2025, time.March, 9, 22, 30, 0, 0, time.UTC)
	b := time.Date(2025, time.March, 10, 8, 0, 0, 0, loc)

	assert.True(t, SameDay(a, b, loc))
	assert.False(t, SameDay(a, b, time.UTC))
}
