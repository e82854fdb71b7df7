// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package transport

import (
	"context"
	"sync"
	"time"
)

// LoopbackHub wires a set of in-process LoopbackTransport instances
// together so Connect/Send/Broadcast behave as if peers shared a real
// link, without any actual network I/O. Useful for tests and
// single-process demos; real deployments supply a network transport.
type LoopbackHub struct {
	mu    sync.Mutex
	peers map[string]*LoopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{peers: make(map[string]*LoopbackTransport)}
}

func (h *LoopbackHub) register(t *LoopbackTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[t.selfID] = t
}

func (h *LoopbackHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

func (h *LoopbackHub) lookup(id string) (*LoopbackTransport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.peers[id]
	return t, ok
}

// LoopbackTransport is the one concrete Transport this module ships:
// an in-memory loopback backed by a shared LoopbackHub. Every peer in
// a mesh built entirely out of LoopbackTransports must share the same
// hub for Connect to succeed.
type LoopbackTransport struct {
	hub    *LoopbackHub
	selfID string

	mu      sync.Mutex
	started bool
	events  Events
	peers   map[string]*PeerInfo
}

// NewLoopbackTransport creates a loopback transport for selfID,
// registered against hub.
func NewLoopbackTransport(hub *LoopbackHub, selfID string) *LoopbackTransport {
	return &LoopbackTransport{
		hub:    hub,
		selfID: selfID,
		peers:  make(map[string]*PeerInfo),
	}
}

func (t *LoopbackTransport) Start(ctx context.Context, events Events) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.events = events
	t.started = true
	t.hub.register(t)
	return nil
}

func (t *LoopbackTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	peerIDs := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peerIDs = append(peerIDs, id)
	}
	t.mu.Unlock()

	for _, id := range peerIDs {
		_ = t.Disconnect(ctx, id)
	}
	t.hub.unregister(t.selfID)
	return nil
}

func (t *LoopbackTransport) setState(peerID string, state ConnectionState) {
	t.mu.Lock()
	info, ok := t.peers[peerID]
	if !ok {
		info = &PeerInfo{PeerID: peerID}
		t.peers[peerID] = info
	}
	info.State = state
	if state == StateConnected {
		info.ConnectedAt = time.Now().UnixMilli()
	}
	onState := t.events.OnStateChange
	onConnected := t.events.OnPeerConnected
	onDisconnected := t.events.OnPeerDisconnected
	t.mu.Unlock()

	if onState != nil {
		onState(peerID, state)
	}
	switch state {
	case StateConnected:
		if onConnected != nil {
			onConnected(peerID)
		}
	case StateDisconnected, StateFailed, StateClosed:
		if onDisconnected != nil {
			onDisconnected(peerID)
		}
	}
}

// Connect looks up peerID on the shared hub and, if present, brings
// both ends to the connected state. signaling is accepted but unused:
// a loopback link needs no out-of-band negotiation.
func (t *LoopbackTransport) Connect(ctx context.Context, peerID string, signaling []byte) error {
	t.setState(peerID, StateConnecting)

	remote, ok := t.hub.lookup(peerID)
	if !ok {
		t.setState(peerID, StateFailed)
		return ErrUnknownPeer
	}

	t.setState(peerID, StateConnected)
	remote.setState(t.selfID, StateConnected)
	return nil
}

func (t *LoopbackTransport) Disconnect(ctx context.Context, peerID string) error {
	t.setState(peerID, StateDisconnected)
	if remote, ok := t.hub.lookup(peerID); ok {
		remote.setState(t.selfID, StateDisconnected)
	}
	return nil
}

func (t *LoopbackTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.mu.Lock()
	started := t.started
	info, connected := t.peers[peerID]
	t.mu.Unlock()

	if !started {
		return ErrTransportUnavailable
	}
	if !connected || info.State != StateConnected {
		return ErrDisconnected
	}

	remote, ok := t.hub.lookup(peerID)
	if !ok {
		return ErrDisconnected
	}

	remote.mu.Lock()
	onMessage := remote.events.OnMessage
	remote.mu.Unlock()
	if onMessage != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		onMessage(t.selfID, cp)
	}
	return nil
}

func (t *LoopbackTransport) Broadcast(ctx context.Context, payload []byte, except ...string) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrTransportUnavailable
	}

	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}

	var firstErr error
	for _, peerID := range t.GetConnectedPeers() {
		if skip[peerID] {
			continue
		}
		if err := t.Send(ctx, peerID, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *LoopbackTransport) GetConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id, info := range t.peers {
		if info.State == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (t *LoopbackTransport) GetPeerInfo(peerID string) (PeerInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.peers[peerID]
	if !ok {
		return PeerInfo{}, ErrUnknownPeer
	}
	return *info, nil
}

func (t *LoopbackTransport) GetConnectionState(peerID string) (ConnectionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.peers[peerID]
	if !ok {
		return StateClosed, ErrUnknownPeer
	}
	return info.State, nil
}
