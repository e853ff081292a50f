package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var _ Clock = RealClock{}
var _ Clock = (*MockClock)(nil)

func TestRealClock(t *testing.T) {
	var c RealClock
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(2 * time.Second)
	assert.Equal(t, 2*time.Second, c.Since(start))

	c.Sleep(50 * time.Millisecond)
	c.Sleep(100 * time.Millisecond)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, c.Sleeps())
	assert.Equal(t, start.Add(2150*time.Millisecond), c.Now())

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
	assert.Equal(t, time.Duration(0), c.Since(later))
}

func TestMockClockSleepsIsCopy(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.Sleep(time.Second)
	s := c.Sleeps()
	s[0] = 0
	assert.Equal(t, time.Second, c.Sleeps()[0])
}
