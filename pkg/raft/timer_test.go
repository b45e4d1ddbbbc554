package raft

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRepeatTimerFiresRepeatedly(t *testing.T) {
	var fired atomic.Int64
	timer := NewRepeatTimer("test",
		func() time.Duration { return 10 * time.Millisecond },
		func() { fired.Add(1) },
	)
	defer timer.Stop()

	require.Eventually(t, func() bool { return fired.Load() >= 3 },
		1*time.Second, 5*time.Millisecond)
}

// TestRepeatTimerRecomputesDelayEachCycle: the delay provider is asked
// again on every cycle, so a provider that changes its answer takes
// effect without any explicit reconfiguration call.
func TestRepeatTimerRecomputesDelayEachCycle(t *testing.T) {
	var asked atomic.Int64
	var fired atomic.Int64
	timer := NewRepeatTimer("test",
		func() time.Duration {
			asked.Add(1)
			return 10 * time.Millisecond
		},
		func() { fired.Add(1) },
	)
	defer timer.Stop()

	require.Eventually(t, func() bool { return fired.Load() >= 2 },
		1*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, asked.Load(), fired.Load(),
		"delay must be recomputed at least once per firing")
}

// TestRepeatTimerRestartDefersFiring: restarting just before the
// countdown elapses postpones the task to a full fresh delay.
func TestRepeatTimerRestartDefersFiring(t *testing.T) {
	var fired atomic.Int64
	timer := NewRepeatTimer("test",
		func() time.Duration { return 60 * time.Millisecond },
		func() { fired.Add(1) },
	)
	defer timer.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		timer.Restart()
	}
	require.Equal(t, int64(0), fired.Load(),
		"a timer restarted before its delay elapses must not fire")

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		1*time.Second, 5*time.Millisecond)
}

func TestRepeatTimerStopIsIdempotentAndFinal(t *testing.T) {
	var fired atomic.Int64
	timer := NewRepeatTimer("test",
		func() time.Duration { return 10 * time.Millisecond },
		func() { fired.Add(1) },
	)

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		1*time.Second, 5*time.Millisecond)

	timer.Stop()
	timer.Stop()

	at := fired.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, at, fired.Load(), "a stopped timer must never fire again")
}

func TestRepeatTimerRestartNeverBlocks(t *testing.T) {
	timer := NewRepeatTimer("test",
		func() time.Duration { return time.Hour },
		func() {},
	)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			timer.Restart()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Restart blocked the calling goroutine")
	}
}
