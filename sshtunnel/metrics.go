package sshtunnel

import (
	"sync"
	"time"
)

// Metrics is a point in time view of a session's channel and keepalive
// counters.
type Metrics struct {
	ConnectedAt       time.Time `json:"connected_at"`
	ChannelsOpened    int64     `json:"channels_opened"`
	ChannelsFailed    int64     `json:"channels_failed"`
	ActiveChannels    int64     `json:"active_channels"`
	LastKeepalive     time.Time `json:"last_keepalive"`
	KeepaliveFailures int64     `json:"keepalive_failures"`
}

// Uptime returns the time since the session was established.
func (m Metrics) Uptime() time.Duration {
	if m.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(m.ConnectedAt)
}

type sessionMetrics struct {
	mu sync.Mutex
	m  Metrics
}

func (sm *sessionMetrics) snapshot() Metrics {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.m
}

func (sm *sessionMetrics) connected(at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m.ConnectedAt = at
}

func (sm *sessionMetrics) channelOpened() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m.ChannelsOpened++
	sm.m.ActiveChannels++
}

func (sm *sessionMetrics) channelFailed() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m.ChannelsFailed++
}

func (sm *sessionMetrics) channelClosed() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m.ActiveChannels--
}

func (sm *sessionMetrics) keepalive(ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m.LastKeepalive = time.Now()
	if !ok {
		sm.m.KeepaliveFailures++
	}
}

// Metrics returns a snapshot of the session counters.
func (m *Manager) Metrics() Metrics {
	return m.metrics.snapshot()
}
