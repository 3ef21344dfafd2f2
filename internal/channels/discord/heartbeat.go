package discord

import (
	"sync"
	"time"
)

// heartbeatMonitor counts consecutive heartbeats sent without an ACK.
// The connection is considered dead once max beats in a row went unanswered.
type heartbeatMonitor struct {
	mu       sync.Mutex
	max      int
	awaiting bool
	missed   int
	lastAck  time.Time
}

func newHeartbeatMonitor(max int) *heartbeatMonitor {
	if max <= 0 {
		max = 1
	}
	return &heartbeatMonitor{max: max}
}

// beat is called before sending a heartbeat. It returns false when the
// previous beats went unacknowledged too many times and the session is dead.
func (m *heartbeatMonitor) beat() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.awaiting {
		m.missed++
	}
	if m.missed >= m.max {
		return false
	}
	m.awaiting = true
	return true
}

// ack records a heartbeat ACK and resets the missed count.
func (m *heartbeatMonitor) ack(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaiting = false
	m.missed = 0
	m.lastAck = now
}

func (m *heartbeatMonitor) missedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}
