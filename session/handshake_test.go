package session

import (
	"testing"

	"github.com/silentmesh/core/crypto/keys"
	"github.com/stretchr/testify/require"
)

func TestHandshaker_InitiateAndRespond(t *testing.T) {
	// Each peer runs its own manager; only the ephemeral public keys
	// and the out-of-band contextID are exchanged between them.
	initiatorMgr := NewManager()
	defer initiatorMgr.Close()
	responderMgr := NewManager()
	defer responderMgr.Close()

	hsInitiator := NewHandshaker(initiatorMgr)
	hsResponder := NewHandshaker(responderMgr)

	responderKP, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	responderX, ok := responderKP.(*keys.X25519KeyPair)
	require.True(t, ok)

	ctxID := "peerA|peerB"

	initRes, err := hsInitiator.Initiate(ctxID, responderX.PublicBytesKey(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, initRes.SessionID)
	require.NotEmpty(t, initRes.EphemeralPub)

	respRes, err := hsResponder.Respond(ctxID, responderX, initRes.EphemeralPub, nil)
	require.NoError(t, err)
	require.Equal(t, initRes.SessionID, respRes.SessionID)

	// Initiator -> responder
	msg := []byte("handshake complete, first message")
	ct, err := initRes.Session.Encrypt(msg)
	require.NoError(t, err)
	pt, err := respRes.Session.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)

	// Responder -> initiator
	reply := []byte("ack")
	ct2, err := respRes.Session.Encrypt(reply)
	require.NoError(t, err)
	pt2, err := initRes.Session.Decrypt(ct2)
	require.NoError(t, err)
	require.Equal(t, reply, pt2)
}

func TestHandshaker_RespondIsIdempotent(t *testing.T) {
	initiatorMgr := NewManager()
	defer initiatorMgr.Close()
	responderMgr := NewManager()
	defer responderMgr.Close()

	hsInitiator := NewHandshaker(initiatorMgr)
	hsResponder := NewHandshaker(responderMgr)

	responderKP, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	responderX := responderKP.(*keys.X25519KeyPair)

	ctxID := "peerA|peerC"
	res1, err := hsInitiator.Initiate(ctxID, responderX.PublicBytesKey(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, initiatorMgr.GetSessionCount())

	// Repeated Respond() calls deriving the same (contextID, ephs) pair
	// must land on the same session rather than creating a duplicate.
	res2, err := hsResponder.Respond(ctxID, responderX, res1.EphemeralPub, nil)
	require.NoError(t, err)
	res3, err := hsResponder.Respond(ctxID, responderX, res1.EphemeralPub, nil)
	require.NoError(t, err)

	require.Equal(t, res2.SessionID, res3.SessionID)
	require.Equal(t, 1, responderMgr.GetSessionCount())
}
