// Package codec implements the bit-exact binary wire format shared by
// every mesh peer, independent of language or transport. A packet is a
// concatenation of fixed-width, big-endian fields followed by a
// variable-length payload and a trailing Ed25519 signature:
//
//	offset  length  field
//	0       1       version (u8; current = 1)
//	1       1       kind (u8)
//	2       1       TTL (u8)
//	3       8       timestamp (u64, ms since epoch)
//	11      32      sender peer ID (raw Ed25519 public key)
//	43      16      message ID (SHA-256-128 of sender || ts || payload)
//	59      2       payload length (u16)
//	61      N       payload bytes
//	61+N    64      Ed25519 signature over bytes [0, 61+N)
package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Kind identifies the application-level purpose of a packet, carried
// in the wire header's kind byte.
type Kind uint8

const (
	KindText              Kind = 0x01
	KindFileOffer         Kind = 0x02
	KindFileChunk         Kind = 0x03
	KindAck               Kind = 0x04
	KindGossipAnnounce    Kind = 0x05
	KindSessionHandshake  Kind = 0x06
	KindSessionRekey      Kind = 0x07
)

const (
	// CurrentVersion is the only wire version this codec emits or accepts.
	CurrentVersion uint8 = 1

	versionOff   = 0
	kindOff      = 1
	ttlOff       = 2
	timestampOff = 3
	senderOff    = 11
	messageIDOff = 43
	payloadLenOff = 59
	payloadOff   = 61

	// SenderSize is the width of the raw Ed25519 public key field.
	SenderSize = ed25519.PublicKeySize // 32
	// MessageIDSize is the width of the truncated SHA-256 message ID.
	MessageIDSize = 16
	// SignatureSize is the width of the trailing Ed25519 signature.
	SignatureSize = ed25519.SignatureSize // 64

	// headerSize is the fixed-width prefix before the payload (bytes 0..61).
	headerSize = payloadOff
)

// Packet is the decoded, in-memory representation of one wire packet.
type Packet struct {
	Version   uint8
	Kind      Kind
	TTL       uint8
	Timestamp time.Time
	Sender    [SenderSize]byte
	MessageID [MessageIDSize]byte
	Payload   []byte
	Signature [SignatureSize]byte
}

// ComputeMessageID returns SHA-256-128(sender || timestampMillis || payload).
func ComputeMessageID(sender [SenderSize]byte, ts time.Time, payload []byte) [MessageIDSize]byte {
	var buf [MessageIDSize]byte
	h := sha256.New()
	h.Write(sender[:])
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(ts.UnixMilli()))
	h.Write(tsBytes[:])
	h.Write(payload)
	sum := h.Sum(nil)
	copy(buf[:], sum[:MessageIDSize])
	return buf
}

// Encode serializes pk into the wire format and signs it with priv.
// pk.Sender must be the Ed25519 public key matching priv. MessageID is
// (re)computed from sender/timestamp/payload; any value already set on
// pk is overwritten so callers never hand-roll it incorrectly.
func Encode(pk *Packet, priv ed25519.PrivateKey, maxPacketBytes int) ([]byte, error) {
	if len(pk.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: payload length %d exceeds u16", ErrTooLarge, len(pk.Payload))
	}
	total := headerSize + len(pk.Payload) + SignatureSize
	if maxPacketBytes > 0 && len(pk.Payload) > maxPacketBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds maxPacketBytes %d", ErrTooLarge, len(pk.Payload), maxPacketBytes)
	}

	pk.MessageID = ComputeMessageID(pk.Sender, pk.Timestamp, pk.Payload)

	buf := make([]byte, total)
	buf[versionOff] = CurrentVersion
	buf[kindOff] = byte(pk.Kind)
	buf[ttlOff] = pk.TTL
	binary.BigEndian.PutUint64(buf[timestampOff:timestampOff+8], uint64(pk.Timestamp.UnixMilli()))
	copy(buf[senderOff:senderOff+SenderSize], pk.Sender[:])
	copy(buf[messageIDOff:messageIDOff+MessageIDSize], pk.MessageID[:])
	binary.BigEndian.PutUint16(buf[payloadLenOff:payloadLenOff+2], uint16(len(pk.Payload)))
	copy(buf[payloadOff:payloadOff+len(pk.Payload)], pk.Payload)

	signed := buf[:payloadOff+len(pk.Payload)]
	sig := ed25519.Sign(priv, signed)
	copy(pk.Signature[:], sig)
	copy(buf[payloadOff+len(pk.Payload):], sig)

	return buf, nil
}

// Decode parses and signature-verifies a wire packet. Per §4.2,
// signatures are verified before any state update, so a non-nil
// *Packet is only ever returned once authenticity is established.
func Decode(data []byte, maxPacketBytes int) (*Packet, error) {
	if len(data) < headerSize+SignatureSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTruncated, len(data), headerSize+SignatureSize)
	}

	version := data[versionOff]
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	payloadLen := int(binary.BigEndian.Uint16(data[payloadLenOff : payloadLenOff+2]))
	expectedTotal := payloadOff + payloadLen + SignatureSize
	if len(data) != expectedTotal {
		return nil, fmt.Errorf("%w: declared payload length %d implies %d bytes, got %d", ErrTruncated, payloadLen, expectedTotal, len(data))
	}
	if maxPacketBytes > 0 && payloadLen > maxPacketBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds maxPacketBytes %d", ErrTooLarge, payloadLen, maxPacketBytes)
	}

	pk := &Packet{
		Version: version,
		Kind:    Kind(data[kindOff]),
		TTL:     data[ttlOff],
	}
	ts := binary.BigEndian.Uint64(data[timestampOff : timestampOff+8])
	pk.Timestamp = time.UnixMilli(int64(ts))
	copy(pk.Sender[:], data[senderOff:senderOff+SenderSize])
	copy(pk.MessageID[:], data[messageIDOff:messageIDOff+MessageIDSize])
	pk.Payload = append([]byte(nil), data[payloadOff:payloadOff+payloadLen]...)
	copy(pk.Signature[:], data[payloadOff+payloadLen:])

	signed := data[:payloadOff+payloadLen]
	if !ed25519.Verify(pk.Sender[:], signed, pk.Signature[:]) {
		return nil, ErrBadSignature
	}

	wantID := ComputeMessageID(pk.Sender, pk.Timestamp, pk.Payload)
	if wantID != pk.MessageID {
		return nil, ErrBadMessageID
	}

	return pk, nil
}
