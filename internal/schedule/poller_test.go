package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerNeverOverlaps(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	p := NewPoller(0, time.Millisecond, func(context.Context) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
	})
	require.True(t, p.Start(context.Background()))
	require.False(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	p.Stop()
	assert.False(t, p.Running())
	assert.Equal(t, int32(1), maxInFlight.Load())

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestPollerInitialDelay(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(time.Hour, time.Hour, func(context.Context) { calls.Add(1) })
	p.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load())
	p.Stop()
}

func TestPollerRunsOnceWithoutPeriod(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(0, 0, func(context.Context) { calls.Add(1) })
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return !p.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// restartable after it finished
	assert.True(t, p.Start(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestPollerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(0, time.Millisecond, func(context.Context) {})
	p.Start(ctx)
	cancel()
	assert.Eventually(t, func() bool { return !p.Running() }, time.Second, time.Millisecond)
	p.Stop()
}
