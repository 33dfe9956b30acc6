package heartbeat_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/heartbeat"
)

func TestTimeoutFiresOnce(t *testing.T) {
	var fired atomic.Int32
	done := make(chan time.Duration, 4)
	m := heartbeat.NewMonitor(5*time.Millisecond, func(silence time.Duration) {
		fired.Add(1)
		done <- silence
	})
	m.Start(30 * time.Millisecond)
	defer m.Stop()

	select {
	case silence := <-done:
		assert.Greater(t, silence, 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback not invoked")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestHeartbeatsKeepAlive(t *testing.T) {
	var fired atomic.Bool
	m := heartbeat.NewMonitor(5*time.Millisecond, func(time.Duration) { fired.Store(true) })
	m.Start(40 * time.Millisecond)
	defer m.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.RecordHeartbeat()
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, fired.Load(), "monitor fired despite regular heartbeats")
}

func TestStopPreventsTimeout(t *testing.T) {
	var fired atomic.Bool
	m := heartbeat.NewMonitor(5*time.Millisecond, func(time.Duration) { fired.Store(true) })
	m.Start(20 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStopBeforeStart(t *testing.T) {
	m := heartbeat.NewMonitor(time.Millisecond, nil)
	m.Stop()
	m.Start(10 * time.Millisecond)
	m.Stop()
}

func TestDetectedWithinOneInterval(t *testing.T) {
	const timeout = 40 * time.Millisecond
	const interval = 10 * time.Millisecond

	detected := make(chan time.Time, 1)
	m := heartbeat.NewMonitor(interval, func(time.Duration) { detected <- time.Now() })
	m.Start(timeout)
	defer m.Stop()

	m.RecordHeartbeat()
	last := m.LastSeen()

	select {
	case at := <-detected:
		// Generous slack for scheduler jitter on loaded CI machines.
		assert.Less(t, at.Sub(last), timeout+interval+100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not detected")
	}
}

func TestCheckIntervalClampedBelowTimeout(t *testing.T) {
	detected := make(chan struct{}, 1)
	// A check interval longer than the timeout must still detect promptly.
	m := heartbeat.NewMonitor(time.Hour, func(time.Duration) { detected <- struct{}{} })
	m.Start(20 * time.Millisecond)
	defer m.Stop()

	select {
	case <-detected:
	case <-time.After(2 * time.Second):
		t.Fatal("clamped interval did not detect timeout")
	}
}

func TestLastSeenAdvances(t *testing.T) {
	m := heartbeat.NewMonitor(time.Second, nil)
	m.Start(time.Hour)
	defer m.Stop()

	before := m.LastSeen()
	time.Sleep(2 * time.Millisecond)
	m.RecordHeartbeat()
	require.True(t, m.LastSeen().After(before))
}
