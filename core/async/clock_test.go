package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClockFiresTimersInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	late := clock.After(2 * time.Second)
	early := clock.After(time.Second)
	require.Equal(t, 2, clock.PendingTimers())

	clock.Advance(500 * time.Millisecond)
	require.Len(t, early, 0)
	require.Len(t, late, 0)

	clock.Advance(500 * time.Millisecond)
	require.Equal(t, start.Add(time.Second), <-early)
	require.Len(t, late, 0)
	require.Equal(t, 1, clock.PendingTimers())

	clock.Set(start.Add(10 * time.Second))
	require.Equal(t, start.Add(10*time.Second), <-late)
	require.Zero(t, clock.PendingTimers())
}

func TestManualClockIgnoresBackwardsAndFiresImmediateTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	clock.Set(start.Add(-time.Hour))
	require.Equal(t, start, clock.Now())

	ch := clock.After(0)
	require.Equal(t, start, <-ch)
	require.Zero(t, clock.PendingTimers())
}

func TestManualClockStoppedTimerIsReleased(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ch, stop := clock.NewTimer(time.Second)
	require.Equal(t, 1, clock.PendingTimers())
	require.True(t, stop())
	require.Zero(t, clock.PendingTimers())
	require.False(t, stop())

	clock.Advance(time.Second)
	require.Len(t, ch, 0)

	fired, stop := clock.NewTimer(time.Second)
	clock.Advance(time.Second)
	require.Len(t, fired, 1)
	require.False(t, stop())
}
