package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualClock_StartsAtGivenTime(t *testing.T) {
	clock := NewManualClock(epoch)
	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, 0, clock.Pending())
}

func TestManualClock_FiresOnlyDueTimers(t *testing.T) {
	clock := NewManualClock(epoch)

	fired := 0
	clock.AfterFunc(2*time.Second, func() { fired++ })
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, 0, fired)
	assert.Equal(t, epoch.Add(time.Second), clock.Now())

	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timers fire once")
}

func TestManualClock_DeadlineOrderAndNowDuringCallback(t *testing.T) {
	clock := NewManualClock(epoch)

	var order []string
	var seen []time.Time
	record := func(name string) func() {
		return func() {
			order = append(order, name)
			seen = append(seen, clock.Now())
		}
	}
	clock.AfterFunc(3*time.Second, record("c"))
	clock.AfterFunc(time.Second, record("a"))
	clock.AfterFunc(time.Second, record("b"))

	clock.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(time.Second), epoch.Add(3 * time.Second)}, seen)
	assert.Equal(t, epoch.Add(5*time.Second), clock.Now())
}

func TestManualClock_Stop(t *testing.T) {
	clock := NewManualClock(epoch)

	fired := false
	stop := clock.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, stop())
	assert.False(t, stop(), "second stop reports nothing was pending")

	clock.Advance(time.Minute)
	assert.False(t, fired)

	stop = clock.AfterFunc(time.Second, func() {})
	clock.Advance(time.Second)
	assert.False(t, stop(), "stop after firing reports false")
}

func TestManualClock_CallbackArmsTimer(t *testing.T) {
	clock := NewManualClock(epoch)

	var ticks []time.Time
	var tick func()
	tick = func() {
		ticks = append(ticks, clock.Now())
		if len(ticks) < 3 {
			clock.AfterFunc(time.Second, tick)
		}
	}
	clock.AfterFunc(time.Second, tick)

	clock.Advance(10 * time.Second)
	require.Len(t, ticks, 3)
	assert.Equal(t, epoch.Add(3*time.Second), ticks[2])
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				stop := clock.AfterFunc(time.Millisecond, func() {})
				stop()
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, clock.Pending())
}
