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

package transport_test

import (
	"context"
	"testing"

	"github.com/silentmesh/core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackTransport_ConnectAndSend(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	b := transport.NewLoopbackTransport(hub, "node-b")

	var received []byte
	var receivedFrom string
	done := make(chan struct{}, 1)

	require.NoError(t, a.Start(context.Background(), transport.Events{}))
	require.NoError(t, b.Start(context.Background(), transport.Events{
		OnMessage: func(peerID string, payload []byte) {
			receivedFrom = peerID
			received = payload
			done <- struct{}{}
		},
	}))

	require.NoError(t, a.Connect(context.Background(), "node-b", nil))

	state, err := a.GetConnectionState("node-b")
	require.NoError(t, err)
	assert.Equal(t, transport.StateConnected, state)

	require.NoError(t, a.Send(context.Background(), "node-b", []byte("hello")))
	<-done

	assert.Equal(t, "node-a", receivedFrom)
	assert.Equal(t, "hello", string(received))
}

func TestLoopbackTransport_SendBeforeConnectFails(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	require.NoError(t, a.Start(context.Background(), transport.Events{}))

	err := a.Send(context.Background(), "node-b", []byte("hi"))
	assert.ErrorIs(t, err, transport.ErrDisconnected)
}

func TestLoopbackTransport_ConnectUnknownPeer(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	require.NoError(t, a.Start(context.Background(), transport.Events{}))

	err := a.Connect(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)

	state, err := a.GetConnectionState("ghost")
	require.NoError(t, err)
	assert.Equal(t, transport.StateFailed, state)
}

func TestLoopbackTransport_Broadcast(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	b := transport.NewLoopbackTransport(hub, "node-b")
	c := transport.NewLoopbackTransport(hub, "node-c")

	bGot := make(chan []byte, 1)
	cGot := make(chan []byte, 1)

	require.NoError(t, a.Start(context.Background(), transport.Events{}))
	require.NoError(t, b.Start(context.Background(), transport.Events{
		OnMessage: func(peerID string, payload []byte) { bGot <- payload },
	}))
	require.NoError(t, c.Start(context.Background(), transport.Events{
		OnMessage: func(peerID string, payload []byte) { cGot <- payload },
	}))

	require.NoError(t, a.Connect(context.Background(), "node-b", nil))
	require.NoError(t, a.Connect(context.Background(), "node-c", nil))

	require.NoError(t, a.Broadcast(context.Background(), []byte("gossip")))

	assert.Equal(t, "gossip", string(<-bGot))
	assert.Equal(t, "gossip", string(<-cGot))
}

func TestLoopbackTransport_DisconnectNotifiesBothEnds(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	b := transport.NewLoopbackTransport(hub, "node-b")

	bDisconnected := make(chan struct{}, 1)
	require.NoError(t, a.Start(context.Background(), transport.Events{}))
	require.NoError(t, b.Start(context.Background(), transport.Events{
		OnPeerDisconnected: func(peerID string) { bDisconnected <- struct{}{} },
	}))

	require.NoError(t, a.Connect(context.Background(), "node-b", nil))
	require.NoError(t, a.Disconnect(context.Background(), "node-b"))

	<-bDisconnected
	state, err := b.GetConnectionState("node-a")
	require.NoError(t, err)
	assert.Equal(t, transport.StateDisconnected, state)
}

func TestLoopbackTransport_GetConnectedPeers(t *testing.T) {
	hub := transport.NewLoopbackHub()
	a := transport.NewLoopbackTransport(hub, "node-a")
	b := transport.NewLoopbackTransport(hub, "node-b")

	require.NoError(t, a.Start(context.Background(), transport.Events{}))
	require.NoError(t, b.Start(context.Background(), transport.Events{}))
	require.NoError(t, a.Connect(context.Background(), "node-b", nil))

	assert.Equal(t, []string{"node-b"}, a.GetConnectedPeers())
}
