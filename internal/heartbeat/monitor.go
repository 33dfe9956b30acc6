// Package heartbeat detects a silent supervised process. The host emits
// heartbeats on a fixed interval; when none has been recorded for longer than
// the timeout, the monitor reports a failure once and stops.
package heartbeat

import (
	"sync"
	"time"
)

// DefaultCheckInterval is the polling interval used when none is given.
const DefaultCheckInterval = time.Second

// Monitor tracks the last time a heartbeat was seen.
type Monitor struct {
	checkInterval time.Duration
	onTimeout     func(silence time.Duration)

	mu       sync.Mutex
	lastSeen time.Time
	started  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor that polls every checkInterval and calls
// onTimeout, at most once, when the silence window is exceeded.
func NewMonitor(checkInterval time.Duration, onTimeout func(silence time.Duration)) *Monitor {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Monitor{
		checkInterval: checkInterval,
		onTimeout:     onTimeout,
		stop:          make(chan struct{}),
	}
}

// Start records now as the baseline and begins polling. The poll interval is
// kept below timeout so a timeout is noticed within one interval. Calling
// Start more than once has no effect.
func (m *Monitor) Start(timeout time.Duration) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.lastSeen = time.Now()
	m.mu.Unlock()

	interval := m.checkInterval
	if interval >= timeout {
		interval = timeout / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	go m.poll(timeout, interval)
}

func (m *Monitor) poll(timeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			silence := time.Since(m.LastSeen())
			if silence <= timeout {
				continue
			}
			// Stop first so a concurrent Stop and the callback cannot both
			// believe they ended polling.
			stopped := false
			m.stopOnce.Do(func() {
				close(m.stop)
				stopped = true
			})
			if stopped && m.onTimeout != nil {
				m.onTimeout(silence)
			}
			return
		}
	}
}

// RecordHeartbeat marks the supervised process as alive now.
func (m *Monitor) RecordHeartbeat() {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()
}

// LastSeen returns the time of the most recent heartbeat, or the Start
// baseline if none has arrived.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Stop cancels polling. It is idempotent and safe to call before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
