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
	"fmt"
	"net/url"
	"strings"
)

// Kind identifies the transport a link endpoint should use.
type Kind string

const (
	// KindLoopback is the in-process LoopbackTransport.
	KindLoopback Kind = "loopback"
	// KindWebRTC identifies a WebRTC data channel transport, supplied
	// by the caller.
	KindWebRTC Kind = "webrtc"
	// KindTCP identifies a raw TCP socket transport, supplied by the
	// caller.
	KindTCP Kind = "tcp"
	// KindBLE identifies a Bluetooth LE GATT transport, supplied by
	// the caller.
	KindBLE Kind = "ble"
)

// Factory builds a Transport bound to selfID. Concrete transports
// (WebRTC, TCP, BLE, ...) register their own factories; this module
// only registers KindLoopback by default.
type Factory func(selfID string) (Transport, error)

// Selector resolves a Kind (or a "kind://selfID" endpoint string) to
// a concrete Transport via registered factories. Core code depends
// only on this indirection, never on a specific transport package.
type Selector struct {
	hub       *LoopbackHub
	factories map[Kind]Factory
}

// NewSelector creates a selector with the loopback factory registered
// against a fresh hub.
func NewSelector() *Selector {
	hub := NewLoopbackHub()
	s := &Selector{
		hub:       hub,
		factories: make(map[Kind]Factory),
	}
	s.RegisterFactory(KindLoopback, func(selfID string) (Transport, error) {
		return NewLoopbackTransport(hub, selfID), nil
	})
	return s
}

// RegisterFactory registers a factory for kind, overriding any
// previous registration.
func (s *Selector) RegisterFactory(kind Kind, factory Factory) {
	s.factories[kind] = factory
}

// Select builds a Transport of the given kind for selfID.
func (s *Selector) Select(kind Kind, selfID string) (Transport, error) {
	factory, ok := s.factories[kind]
	if !ok {
		return nil, fmt.Errorf("transport kind %q not registered", kind)
	}
	t, err := factory(selfID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", kind, err)
	}
	return t, nil
}

// SelectByEndpoint parses an endpoint of the form "kind://selfID"
// (e.g. "loopback://node-a", "webrtc://node-b") and resolves it via
// Select.
func (s *Selector) SelectByEndpoint(endpoint string) (Transport, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	var kind Kind
	switch strings.ToLower(parsed.Scheme) {
	case "loopback":
		kind = KindLoopback
	case "webrtc":
		kind = KindWebRTC
	case "tcp":
		kind = KindTCP
	case "ble":
		kind = KindBLE
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", parsed.Scheme)
	}

	selfID := parsed.Host
	if selfID == "" {
		selfID = strings.TrimPrefix(parsed.Opaque, "//")
	}
	return s.Select(kind, selfID)
}

// IsRegistered reports whether a factory is registered for kind.
func (s *Selector) IsRegistered(kind Kind) bool {
	_, ok := s.factories[kind]
	return ok
}

// AvailableKinds returns the registered transport kinds.
func (s *Selector) AvailableKinds() []Kind {
	kinds := make([]Kind, 0, len(s.factories))
	for k := range s.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
