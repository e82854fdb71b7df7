package health

import (
	"sync"
	"time"

	"github.com/silentmesh/core/internal/logger"
	"github.com/silentmesh/core/internal/metrics"
)

// Reputation bounds per §4.12: clamped to [0, 100].
const (
	ReputationMin = 0
	ReputationMax = 100

	reputationDeltaDelivered        = 1
	reputationDeltaSignatureInvalid = -1
	reputationDeltaAEADFail         = -1
	reputationDeltaProtocolViolation = -5
)

type peerState struct {
	lastHeartbeat time.Time
	reputation    int
	blacklisted   bool
	connected     bool
}

// PeerMonitor tracks per-peer heartbeats, reputation, and blacklist
// status. Grounded on HealthChecker's named-check registry/cache
// pattern (checker.go), generalized from named subsystem checks to
// per-peer liveness and scoring.
type PeerMonitor struct {
	mu               sync.RWMutex
	peers            map[string]*peerState
	heartbeatTimeout time.Duration
	logger           logger.Logger

	onDisconnect func(peerID string)

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewPeerMonitor creates a monitor with the given heartbeat timeout
// (peers silent beyond this are marked disconnected by CheckTimeouts).
func NewPeerMonitor(heartbeatTimeout time.Duration) *PeerMonitor {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &PeerMonitor{
		peers:            make(map[string]*peerState),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.GetDefaultLogger(),
		stop:             make(chan struct{}),
	}
}

// OnDisconnect registers a callback invoked when CheckTimeouts or
// background polling marks a peer disconnected.
func (m *PeerMonitor) OnDisconnect(fn func(peerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = fn
}

// Start runs a background loop calling CheckTimeouts every interval
// until Stop is called. Mirrors the session Manager's cleanup-ticker
// lifecycle (ticker + stop channel, single goroutine).
func (m *PeerMonitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = m.heartbeatTimeout / 2
		if interval <= 0 {
			interval = time.Second
		}
	}
	m.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.CheckTimeouts(time.Now())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the background polling loop. Safe to call multiple times.
func (m *PeerMonitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
		if m.ticker != nil {
			m.ticker.Stop()
		}
	})
}

func (m *PeerMonitor) getOrCreate(peerID string) *peerState {
	st, ok := m.peers[peerID]
	if !ok {
		st = &peerState{reputation: ReputationMax / 2, connected: true}
		m.peers[peerID] = st
	}
	return st
}

// Heartbeat records a liveness signal from peerID over any transport.
func (m *PeerMonitor) Heartbeat(peerID string) {
	m.mu.Lock()
	_, known := m.peers[peerID]
	st := m.getOrCreate(peerID)
	wasConnected := known && st.connected
	st.lastHeartbeat = time.Now()
	st.connected = true
	m.mu.Unlock()
	if !wasConnected {
		metrics.HealthConnectedPeers.Inc()
	}
}

// CheckTimeouts marks any peer whose last heartbeat is older than now
// minus the heartbeat timeout as disconnected, returning the peer IDs
// that transitioned in this call.
func (m *PeerMonitor) CheckTimeouts(now time.Time) []string {
	m.mu.Lock()
	var timedOut []string
	for id, st := range m.peers {
		if !st.connected {
			continue
		}
		if st.lastHeartbeat.IsZero() || now.Sub(st.lastHeartbeat) > m.heartbeatTimeout {
			st.connected = false
			timedOut = append(timedOut, id)
		}
	}
	cb := m.onDisconnect
	m.mu.Unlock()

	if len(timedOut) > 0 {
		metrics.HealthConnectedPeers.Sub(float64(len(timedOut)))
	}
	for _, id := range timedOut {
		m.logger.Warn("peer heartbeat timeout", logger.String("peer", id))
		if cb != nil {
			cb(id)
		}
	}
	return timedOut
}

func (m *PeerMonitor) adjustReputation(peerID string, delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(peerID)
	st.reputation += delta
	if st.reputation > ReputationMax {
		st.reputation = ReputationMax
	}
	if st.reputation < ReputationMin {
		st.reputation = ReputationMin
	}
	return st.reputation
}

// RecordDelivered applies the +1 delta for a verified delivered packet.
func (m *PeerMonitor) RecordDelivered(peerID string) int {
	metrics.HealthReputationAdjustments.WithLabelValues("delivered").Inc()
	return m.adjustReputation(peerID, reputationDeltaDelivered)
}

// RecordSignatureInvalid applies the -1 delta for a signature-invalid packet.
func (m *PeerMonitor) RecordSignatureInvalid(peerID string) int {
	metrics.HealthReputationAdjustments.WithLabelValues("signature_invalid").Inc()
	return m.adjustReputation(peerID, reputationDeltaSignatureInvalid)
}

// RecordAEADFail applies the -1 delta for an AEAD-fail packet.
func (m *PeerMonitor) RecordAEADFail(peerID string) int {
	metrics.HealthReputationAdjustments.WithLabelValues("aead_fail").Inc()
	return m.adjustReputation(peerID, reputationDeltaAEADFail)
}

// RecordProtocolViolation applies the -5 delta for a protocol violation.
func (m *PeerMonitor) RecordProtocolViolation(peerID string) int {
	metrics.HealthReputationAdjustments.WithLabelValues("protocol_violation").Inc()
	return m.adjustReputation(peerID, reputationDeltaProtocolViolation)
}

// Reputation returns a peer's current reputation score, or the default
// midpoint score if the peer is unknown.
func (m *PeerMonitor) Reputation(peerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.peers[peerID]; ok {
		return st.reputation
	}
	return ReputationMax / 2
}

// Blacklist marks a peer as blacklisted; blacklisted peers are ignored
// by the router and gossip (enforced by those packages consulting
// IsBlacklisted, not by this monitor).
func (m *PeerMonitor) Blacklist(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(peerID)
	st.blacklisted = true
}

// Unblacklist reverses Blacklist.
func (m *PeerMonitor) Unblacklist(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[peerID]; ok {
		st.blacklisted = false
	}
}

// IsBlacklisted reports whether peerID is currently blacklisted.
func (m *PeerMonitor) IsBlacklisted(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.peers[peerID]
	return ok && st.blacklisted
}

// IsConnected reports the monitor's last-known connection state for a peer.
func (m *PeerMonitor) IsConnected(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.peers[peerID]
	return ok && st.connected
}
