package mesh

import (
	"fmt"
	"sort"
	"strings"
)

// destPeerIDLen is the fixed width of a hex-encoded peer ID
// (identity.PeerIDFromSigningKey always produces 64 lowercase hex
// characters from a 32-byte Ed25519 public key), which lets a relaying
// node check "is this addressed to me" with a plain byte slice compare
// instead of a decode. The wire packet header itself carries no
// destination field (see codec.Packet), so every application-level
// payload this package builds carries its own addressing prefix.
const destPeerIDLen = 64

// encodeEnvelope prefixes body with destPeerID so a node relaying a
// flooded packet can recognize traffic addressed to it without
// attempting a session decrypt or handshake step first.
func encodeEnvelope(destPeerID string, body []byte) ([]byte, error) {
	if len(destPeerID) != destPeerIDLen {
		return nil, fmt.Errorf("mesh: destination peer id must be %d hex chars, got %d", destPeerIDLen, len(destPeerID))
	}
	out := make([]byte, destPeerIDLen+len(body))
	copy(out, destPeerID)
	copy(out[destPeerIDLen:], body)
	return out, nil
}

// decodeEnvelope splits a payload into its destination peer ID and body.
func decodeEnvelope(payload []byte) (destPeerID string, body []byte, err error) {
	if len(payload) < destPeerIDLen {
		return "", nil, fmt.Errorf("mesh: envelope too short: %d bytes", len(payload))
	}
	return string(payload[:destPeerIDLen]), payload[destPeerIDLen:], nil
}

// sortedPair returns a deterministic, order-independent context ID for
// a peer pair, so both sides of a handshake derive the same session
// context regardless of who initiated it.
func sortedPair(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}
