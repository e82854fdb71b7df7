package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPacket(t *testing.T, payload []byte) (*Packet, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pk := &Packet{
		Kind:      KindText,
		TTL:       8,
		Timestamp: time.UnixMilli(time.Now().UnixMilli()), // truncate to ms precision
		Payload:   payload,
	}
	copy(pk.Sender[:], pub)
	return pk, priv
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	pk, priv := newTestPacket(t, []byte("hello mesh"))

	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)
	require.Equal(t, headerSize+len(pk.Payload)+SignatureSize, len(wire))

	decoded, err := Decode(wire, 0)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, decoded.Version)
	require.Equal(t, KindText, decoded.Kind)
	require.Equal(t, uint8(8), decoded.TTL)
	require.Equal(t, pk.Timestamp.UnixMilli(), decoded.Timestamp.UnixMilli())
	require.Equal(t, pk.Sender, decoded.Sender)
	require.Equal(t, pk.Payload, decoded.Payload)
	require.Equal(t, pk.MessageID, decoded.MessageID)
}

func TestEncodeDecode_EmptyPayload(t *testing.T) {
	pk, priv := newTestPacket(t, nil)
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	decoded, err := Decode(wire, 0)
	require.NoError(t, err)
	require.Empty(t, decoded.Payload)
}

func TestDecode_UnknownVersion(t *testing.T) {
	pk, priv := newTestPacket(t, []byte("x"))
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	wire[versionOff] = 2
	// Re-sign is irrelevant; version is checked first.
	_, err = Decode(wire, 0)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecode_Truncated(t *testing.T) {
	pk, priv := newTestPacket(t, []byte("truncate me"))
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	_, err = Decode(wire[:len(wire)-10], 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecode_TooShortForHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestEncode_TooLarge(t *testing.T) {
	pk, priv := newTestPacket(t, make([]byte, 100))
	_, err := Encode(pk, priv, 50)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_TooLarge(t *testing.T) {
	pk, priv := newTestPacket(t, make([]byte, 100))
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	_, err = Decode(wire, 50)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_TamperedPayloadFailsSignature(t *testing.T) {
	pk, priv := newTestPacket(t, []byte("authentic"))
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	wire[payloadOff] ^= 0xFF
	_, err = Decode(wire, 0)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestDecode_WrongSignerFails(t *testing.T) {
	pk, _ := newTestPacket(t, []byte("impersonation"))
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	wire, err := Encode(pk, otherPriv, 0)
	require.NoError(t, err)

	_, err = Decode(wire, 0)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestDecode_MismatchedMessageIDFails(t *testing.T) {
	pk, priv := newTestPacket(t, []byte("id check"))
	wire, err := Encode(pk, priv, 0)
	require.NoError(t, err)

	// Overwrite the message ID field with a different ID, then re-sign
	// the frame with the sender's key so the signature check passes and
	// only the message ID check can reject it.
	other := ComputeMessageID(pk.Sender, pk.Timestamp, []byte("different"))
	require.NotEqual(t, pk.MessageID, other)
	copy(wire[messageIDOff:messageIDOff+MessageIDSize], other[:])
	signedLen := len(wire) - SignatureSize
	copy(wire[signedLen:], ed25519.Sign(priv, wire[:signedLen]))

	_, err = Decode(wire, 0)
	require.ErrorIs(t, err, ErrBadMessageID)
}

func TestComputeMessageID_Deterministic(t *testing.T) {
	var sender [SenderSize]byte
	copy(sender[:], []byte("0123456789012345678901234567890X"))
	ts := time.UnixMilli(1700000000000)

	id1 := ComputeMessageID(sender, ts, []byte("payload"))
	id2 := ComputeMessageID(sender, ts, []byte("payload"))
	require.Equal(t, id1, id2)

	id3 := ComputeMessageID(sender, ts, []byte("other payload"))
	require.NotEqual(t, id1, id3)
}
