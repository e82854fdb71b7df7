package session

import (
	"fmt"
	"time"

	"github.com/silentmesh/core/crypto/keys"
	"github.com/silentmesh/core/internal/metrics"
)

// HandshakeResult carries what a peer needs to both establish its local
// session state and tell the other side how to reach the same state:
// the session (keyed for immediate use) and the ephemeral public key to
// inline with the first encrypted packet sent to the peer.
type HandshakeResult struct {
	Session       Session
	SessionID     string
	EphemeralPub  []byte
}

// Handshaker runs the ephemeral-X25519 handshake of §4.6: on the first
// outbound packet to a new peer, generate an ephemeral X25519 keypair,
// compute the ECDH shared secret against the peer's X25519 public key,
// and hand the session manager enough context to derive k_tx/k_rx.
type Handshaker struct {
	manager *Manager
}

// NewHandshaker wraps a session Manager with handshake initiation.
func NewHandshaker(manager *Manager) *Handshaker {
	return &Handshaker{manager: manager}
}

// Initiate generates a fresh ephemeral keypair, DHs it against the
// peer's X25519 public key, and ensures a session keyed for that
// (contextID, self-eph, peer-eph) triple. The caller is the initiator:
// its tx key becomes the peer's rx key. contextID must be something
// both sides agree on out of band (e.g. the sorted pair of peer IDs).
func (h *Handshaker) Initiate(contextID string, peerX25519Pub []byte, cfg *Config) (*HandshakeResult, error) {
	metrics.HandshakesInitiated.WithLabelValues("client").Inc()
	start := time.Now()

	ephemeral, err := keys.GenerateX25519KeyPair()
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	ephKP, ok := ephemeral.(*keys.X25519KeyPair)
	if !ok {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("unexpected keypair type %T", ephemeral)
	}
	metrics.HandshakeDuration.WithLabelValues("init").Observe(time.Since(start).Seconds())

	shared, err := ephKP.DeriveSharedSecret(peerX25519Pub)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	p := Params{
		ContextID:    contextID,
		SelfEph:      ephKP.PublicBytesKey(),
		PeerEph:      peerX25519Pub,
		Label:        "mesh/handshake v1",
		SharedSecret: shared,
		Initiator:    true,
	}

	sess, sid, _, err := h.manager.EnsureSessionWithParams(p, cfg)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()

	return &HandshakeResult{
		Session:      sess,
		SessionID:    sid,
		EphemeralPub: ephKP.PublicBytesKey(),
	}, nil
}

// Respond completes the handshake on the receiving side: it is handed
// the peer's ephemeral public key (as carried inline with their first
// packet) plus this node's own long-lived or ephemeral X25519 keypair,
// and derives the same session with Initiator=false so its rx key
// lines up with the peer's tx key.
func (h *Handshaker) Respond(contextID string, selfKeyPair *keys.X25519KeyPair, peerEphemeralPub []byte, cfg *Config) (*HandshakeResult, error) {
	metrics.HandshakesInitiated.WithLabelValues("server").Inc()
	start := time.Now()

	shared, err := selfKeyPair.DeriveSharedSecret(peerEphemeralPub)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	p := Params{
		ContextID:    contextID,
		SelfEph:      selfKeyPair.PublicBytesKey(),
		PeerEph:      peerEphemeralPub,
		Label:        "mesh/handshake v1",
		SharedSecret: shared,
		Initiator:    false,
	}

	sess, sid, _, err := h.manager.EnsureSessionWithParams(p, cfg)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	metrics.HandshakeDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()

	return &HandshakeResult{
		Session:      sess,
		SessionID:    sid,
		EphemeralPub: selfKeyPair.PublicBytesKey(),
	}, nil
}
