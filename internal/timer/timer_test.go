package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobline/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestPauseResumeStopAccumulates(t *testing.T) {
	var tm domain.Timer

	changed, err := Start(&tm, at(0))
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, Pause(&tm, at(100)))
	assert.Equal(t, int64(100_000), tm.AccumulatedMS)
	assert.Equal(t, Paused, StateOf(tm))

	_, err = Start(&tm, at(150))
	require.NoError(t, err)
	assert.Equal(t, 130*time.Second, Elapsed(tm, at(180)))

	changed, err = Stop(&tm, at(200))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(150_000), tm.AccumulatedMS)
	assert.Equal(t, Completed, StateOf(tm))
	assert.Equal(t, at(0), *tm.StartTime)
	assert.Equal(t, at(200), *tm.EndTime)
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	var tm domain.Timer
	_, err := Start(&tm, at(0))
	require.NoError(t, err)

	changed, err := Start(&tm, at(50))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, at(0), *tm.RunningSince)

	_, err = Stop(&tm, at(60))
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), tm.AccumulatedMS)
}

func TestStopIsIdempotent(t *testing.T) {
	var tm domain.Timer
	_, _ = Start(&tm, at(0))
	_, err := Stop(&tm, at(30))
	require.NoError(t, err)
	before := tm

	changed, err := Stop(&tm, at(90))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before.AccumulatedMS, tm.AccumulatedMS)
	assert.Equal(t, *before.EndTime, *tm.EndTime)
}

func TestStopFromPaused(t *testing.T) {
	var tm domain.Timer
	_, _ = Start(&tm, at(0))
	require.NoError(t, Pause(&tm, at(40)))

	_, err := Stop(&tm, at(500))
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), tm.AccumulatedMS)
	assert.Equal(t, at(500), *tm.EndTime)
}

func TestInvalidTransitions(t *testing.T) {
	var tm domain.Timer

	err := Pause(&tm, at(0))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = Stop(&tm, at(0))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, _ = Start(&tm, at(0))
	require.NoError(t, Pause(&tm, at(10)))
	assert.ErrorIs(t, Pause(&tm, at(20)), domain.ErrInvalidState)

	_, _ = Stop(&tm, at(30))
	_, err = Start(&tm, at(40))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, int64(10_000), tm.AccumulatedMS)
}

func TestAccumulatedNeverDecreases(t *testing.T) {
	var tm domain.Timer
	_, _ = Start(&tm, at(100))
	// clock stepped backwards
	require.NoError(t, Pause(&tm, at(90)))
	assert.Equal(t, int64(0), tm.AccumulatedMS)

	_, _ = Start(&tm, at(95))
	_, err := Stop(&tm, at(80))
	require.NoError(t, err)
	assert.Equal(t, int64(0), tm.AccumulatedMS)
	assert.False(t, tm.EndTime.Before(*tm.StartTime))
}

func TestElapsedDoesNotMutate(t *testing.T) {
	var tm domain.Timer
	_, _ = Start(&tm, at(0))
	assert.Equal(t, 10*time.Second, Elapsed(tm, at(10)))
	assert.Equal(t, 10*time.Second, Elapsed(tm, at(10)))
	assert.Equal(t, int64(0), tm.AccumulatedMS)
	assert.Equal(t, time.Duration(0), Elapsed(domain.Timer{}, at(10)))
}
