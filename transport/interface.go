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

// Package transport defines the pluggable bidirectional byte-message
// contract the mesh core runs over.
//
// The core never depends on a concrete network stack (WebRTC, TCP,
// BLE GATT, ...): it talks to any Transport implementation through
// this interface, routes events through the Events callback set, and
// observes a per-peer connection state machine. Only an in-memory
// loopback implementation ships in this module (mock.go); production
// transports are a caller concern.
package transport

import (
	"context"
	"errors"
)

// ConnectionState is a per-peer connection state. Transitions follow
// new -> connecting -> connected -> (disconnected | failed) -> closed.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerInfo describes a remote peer as observed by a transport.
type PeerInfo struct {
	PeerID        string
	State         ConnectionState
	ConnectedAt   int64 // unix millis, zero if never connected
	BufferedBytes int   // backpressure hint: bytes queued for this peer
	RemoteAddr    string
}

var (
	// ErrDisconnected is returned by Send/Broadcast when the target
	// peer is not currently connected.
	ErrDisconnected = errors.New("transport: peer disconnected")
	// ErrSendBufferFull is returned when the transport's outbound
	// buffer for a peer is saturated and cannot accept more bytes.
	ErrSendBufferFull = errors.New("transport: send buffer full")
	// ErrTransportUnavailable is returned when the transport itself
	// has not been started or has been stopped.
	ErrTransportUnavailable = errors.New("transport: unavailable")
	// ErrUnknownPeer is returned by accessors for a peer the
	// transport has no record of.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Events is the callback set a Transport delivers inbound activity
// through. For a given peer, OnMessage calls are delivered in
// transport-receive order; OnStateChange is delivered before any
// subsequent OnMessage that depends on the new state.
type Events struct {
	// OnMessage is called for every inbound byte payload from peerID.
	OnMessage func(peerID string, payload []byte)
	// OnPeerConnected is called once a peer's state reaches connected.
	OnPeerConnected func(peerID string)
	// OnPeerDisconnected is called when a peer leaves the connected
	// state (disconnected, failed, or closed).
	OnPeerDisconnected func(peerID string)
	// OnStateChange is called on every connection state transition.
	OnStateChange func(peerID string, state ConnectionState)
	// OnError is called for transport-level errors not tied to a
	// specific Send/Broadcast call (e.g. a listener failure).
	OnError func(peerID string, err error)
}

// Transport is the uniform contract the mesh core runs over. A
// Transport is started once, may connect/disconnect many peers over
// its lifetime, and is stopped once.
type Transport interface {
	// Start begins delivering events through the given callback set.
	// Idempotent: calling Start while already started is a no-op.
	Start(ctx context.Context, events Events) error

	// Stop cancels all in-flight operations and releases resources.
	// Idempotent: calling Stop while already stopped is a no-op.
	Stop(ctx context.Context) error

	// Connect establishes a link to peerID. signaling, when non-nil,
	// carries an opaque rendezvous blob (see the signaling client)
	// used to bootstrap transports that need out-of-band negotiation
	// (e.g. WebRTC SDP/ICE exchange). Transports that dial directly
	// (TCP, BLE) ignore it.
	Connect(ctx context.Context, peerID string, signaling []byte) error

	// Disconnect tears down the link to peerID, if any.
	Disconnect(ctx context.Context, peerID string) error

	// Send hands bytes off to the transport's outbound buffer for
	// peerID. It resolves once buffered, not once received by the
	// peer. Returns ErrDisconnected if peerID is not connected and
	// ErrSendBufferFull if the transport's buffer for peerID is
	// saturated.
	Send(ctx context.Context, peerID string, payload []byte) error

	// Broadcast hands bytes off to every connected peer except those
	// listed in except.
	Broadcast(ctx context.Context, payload []byte, except ...string) error

	// GetConnectedPeers returns the peer IDs currently in the
	// connected state.
	GetConnectedPeers() []string

	// GetPeerInfo returns what the transport knows about peerID, or
	// ErrUnknownPeer if it has no record of it.
	GetPeerInfo(peerID string) (PeerInfo, error)

	// GetConnectionState returns peerID's current state, or
	// StateClosed with ErrUnknownPeer if unrecorded.
	GetConnectionState(peerID string) (ConnectionState, error)
}
