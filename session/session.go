package session

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/silentmesh/core/internal/metrics"
)

// SecureSession implements Session with XChaCha20-Poly1305 AEAD.
//
// Each peer derives two keys from the shared secret: a tx key used to
// encrypt its own outbound traffic, and an rx key used to decrypt
// inbound traffic from the peer. Whichever side sent the first
// outbound packet is the "initiator"; the initiator's tx key is the
// responder's rx key and vice versa, so both sides agree on which
// physical key encrypts which direction without exchanging anything
// beyond the ephemeral public keys already carried by the handshake.
type SecureSession struct {
    mu           sync.Mutex
    id           string
    createdAt    time.Time
    lastUsedAt   time.Time
    messageCount int
    config       Config
    closed       bool
    initiator    bool

    // sessionSeed is the HKDF-Extract(PRK) derived from the ECDH shared secret and handshake salt.
    // It is NOT the raw ECDH output. Both peers must compute the same PRK.
    sessionSeed []byte
    signingKey  []byte

    current  *keyEpoch
    previous *keyEpoch
    previousValidUntil time.Time

    // kept for test/introspection parity with the pre-rotation layout;
    // always mirrors current.txKey / current.rxKey.
    encryptKey []byte
    decryptKey []byte
}

// keyEpoch bundles one generation of tx/rx keys and their AEAD ciphers.
type keyEpoch struct {
    rotationCounter uint32
    txKey           []byte
    rxKey           []byte
    aeadTx          cipher.AEAD
    aeadRx          cipher.AEAD
}

// Params describes the handshake context required to deterministically
// derive a session's seed, ID, and keys on both peers.
type Params struct {
	// ContextID must be identical on both peers (e.g., the protocol's ContextID).
	ContextID string
	// SelfEph is this node's ephemeral public key bytes (as sent on the wire).
	SelfEph []byte
	// PeerEph is the peer's ephemeral public key bytes (as received).
	PeerEph []byte
    // Protocol version
    Label   string
    SharedSecret []byte
    // Initiator is true for the peer that sent the first outbound
    // packet to the other (the one that triggered the handshake).
    Initiator bool
}

// NewSecureSession creates a new session with derived encryption/signing keys.
// initiator defaults to true, matching pre-rotation callers that don't
// care about tx/rx directionality (e.g. single-process tests).
func NewSecureSession(sid string, sessionSeed []byte, config Config) (*SecureSession, error) {
    return newSecureSession(sid, sessionSeed, config, true)
}

func newSecureSession(sid string, sessionSeed []byte, config Config, initiator bool) (*SecureSession, error) {
    if sid == "" || len(sessionSeed) == 0 {
		return nil, fmt.Errorf("invalid inputs")
	}
    now := time.Now()
    sess := &SecureSession{
        id:           sid,
        createdAt:    now,
        lastUsedAt:   now,
        messageCount: 0,
        config:       config,
        sessionSeed: sessionSeed,
        initiator:   initiator,
    }

    if err := sess.deriveSigningKey(); err != nil {
        return nil, fmt.Errorf("failed to derive signing key: %w", err)
    }

    epoch, err := sess.deriveEpoch(0)
    if err != nil {
        return nil, fmt.Errorf("failed to derive keys: %w", err)
    }
    sess.current = epoch
    sess.encryptKey = epoch.txKey
    sess.decryptKey = epoch.rxKey

    return sess, nil
}

// NewSecureSessionWithParams derives a sessionSeed (PRK) and a deterministic sessionID,
// then constructs the SecureSession so both peers get identical id+keys.
func NewSecureSessionWithParams(sharedSecret []byte, p Params, cfg Config) (*SecureSession, error) {
	seed, err := DeriveSessionSeed(sharedSecret, p)
	if err != nil {
		return nil, err
	}
	sid, err := ComputeSessionIDFromSeed(seed, p.Label)
	if err != nil {
		return nil, err
	}
	return newSecureSession(sid, seed, cfg, p.Initiator)
}

// DeriveSessionSeed returns PRK = HKDF-Extract(sharedSecret, salt(label, ctxID, ephs)).
func DeriveSessionSeed(sharedSecret []byte, p Params) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}
	if p.ContextID == "" || len(p.SelfEph) == 0 || len(p.PeerEph) == 0 {
		return nil, fmt.Errorf("invalid params")
	}
	label := p.Label
	if label == "" {
		label = "mesh/handshake v1"
	}
	lo, hi := canonicalOrder(p.SelfEph, p.PeerEph)

	h := sha256.New()
	h.Write([]byte(label))
	h.Write([]byte(p.ContextID))
	h.Write(lo)
	h.Write(hi)
	salt := h.Sum(nil)

	seed := hkdfExtractSHA256(sharedSecret, salt) // PRK
	return seed, nil
}

// ComputeSessionIDFromSeed deterministically maps PRK -> compact session ID.
func ComputeSessionIDFromSeed(seed []byte, label string) (string, error) {
	if len(seed) == 0 {
		return "", fmt.Errorf("empty seed")
	}
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(seed)
	full := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(full[:16]), nil
}

// deriveSigningKey derives the (rotation-independent) HMAC signing key.
func (s *SecureSession) deriveSigningKey() error {
    salt := []byte(s.id)
    hkdfSign := hkdf.New(sha256.New, s.sessionSeed, salt, []byte("signing"))
    s.signingKey = make([]byte, 32)
    if _, err := io.ReadFull(hkdfSign, s.signingKey); err != nil {
        return fmt.Errorf("failed to derive signing key: %w", err)
    }
    return nil
}

// deriveEpoch derives the tx/rx key pair for rotationCounter and builds
// their XChaCha20-Poly1305 AEAD ciphers. Per §4.6, k_tx and k_rx are
// HKDF-expanded from the shared seed with distinct info strings; the
// initiator's tx is the responder's rx and vice versa, so both peers
// end up pointing the same physical key at the same direction.
func (s *SecureSession) deriveEpoch(rotationCounter uint32) (*keyEpoch, error) {
    salt := []byte(s.id)
    info := func(label string) []byte {
        return []byte(fmt.Sprintf("%s:%d", label, rotationCounter))
    }

    kA := make([]byte, chacha20poly1305.KeySize)
    hA := hkdf.New(sha256.New, s.sessionSeed, salt, info("tx"))
    if _, err := io.ReadFull(hA, kA); err != nil {
        return nil, fmt.Errorf("derive tx-labeled key: %w", err)
    }

    kB := make([]byte, chacha20poly1305.KeySize)
    hB := hkdf.New(sha256.New, s.sessionSeed, salt, info("rx"))
    if _, err := io.ReadFull(hB, kB); err != nil {
        return nil, fmt.Errorf("derive rx-labeled key: %w", err)
    }

    txKey, rxKey := kA, kB
    if !s.initiator {
        txKey, rxKey = kB, kA
    }

    aeadTx, err := chacha20poly1305.NewX(txKey)
    if err != nil {
        return nil, fmt.Errorf("failed to create tx AEAD: %w", err)
    }
    aeadRx, err := chacha20poly1305.NewX(rxKey)
    if err != nil {
        return nil, fmt.Errorf("failed to create rx AEAD: %w", err)
    }

    return &keyEpoch{
        rotationCounter: rotationCounter,
        txKey:           txKey,
        rxKey:           rxKey,
        aeadTx:          aeadTx,
        aeadRx:          aeadRx,
    }, nil
}

// Rotate derives a new key epoch and retires the previous one into a
// grace window (Config.RotationGrace, default 30s) during which
// inbound packets encrypted under the old rotationCounter are still
// accepted. Per §4.6, rotation is policy-triggered (message count,
// elapsed time, or explicit rekey); callers decide when to call this.
func (s *SecureSession) Rotate() error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if s.closed {
        return fmt.Errorf("session closed")
    }

    next, err := s.deriveEpoch(s.current.rotationCounter + 1)
    if err != nil {
        return fmt.Errorf("rotate: %w", err)
    }

    grace := s.config.RotationGrace
    if grace <= 0 {
        grace = 30 * time.Second
    }

    s.previous = s.current
    s.previousValidUntil = time.Now().Add(grace)
    s.current = next
    s.encryptKey = next.txKey
    s.decryptKey = next.rxKey
    return nil
}

// RotationCounter returns the current epoch's rotation counter.
func (s *SecureSession) RotationCounter() uint32 {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.current.rotationCounter
}

// hkdfExtractSHA256 returns PRK = HKDF-Extract(sha256, ikm, salt).
func hkdfExtractSHA256(ikm, salt []byte) []byte {
	// In Go's x/crypto/hkdf, Extract is exposed via hkdf.Extract.
	prk := hkdf.Extract(sha256.New, ikm, salt)
	// Make a copy to avoid retaining an internal buffer.
	out := make([]byte, len(prk))
	copy(out, prk)
	return out
}

// canonicalOrder returns the two byte slices in lexicographic order.
// This ensures both peers produce identical salt bytes.
func canonicalOrder(a, b []byte) (lo, hi []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// GetID returns the session identifier
func (s *SecureSession) GetID() string {
    return s.id
}

// GetCreatedAt returns when the session was created
func (s *SecureSession) GetCreatedAt() time.Time {
    return s.createdAt
}

// GetLastUsedAt returns the last activity timestamp
func (s *SecureSession) GetLastUsedAt() time.Time {
    return s.lastUsedAt
}

// IsExpired checks if the session has expired based on configured policies
func (s *SecureSession) IsExpired() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.isExpiredLocked()
}

func (s *SecureSession) isExpiredLocked() bool {
    if s.closed {
        return true
    }

    now := time.Now()

    // Check absolute expiration
    if s.config.MaxAge > 0 && now.After(s.createdAt.Add(s.config.MaxAge)) {
        return true
    }

    // Check idle timeout
    if s.config.IdleTimeout > 0 && now.After(s.lastUsedAt.Add(s.config.IdleTimeout)) {
        return true
    }

    // Check message count limit
    if s.config.MaxMessages > 0 && s.messageCount >= s.config.MaxMessages {
        return true
    }

    return false
}

// UpdateLastUsed updates the last activity timestamp and increments message count
func (s *SecureSession) UpdateLastUsed() {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.lastUsedAt = time.Now()
    s.messageCount++
}

// Close marks the session as closed
func (s *SecureSession) Close() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.closed = true

    zero := func(b []byte) {
        for i := range b {
            b[i] = 0
        }
    }
    zero(s.current.txKey)
    zero(s.current.rxKey)
    zero(s.encryptKey)
    zero(s.decryptKey)
    if s.previous != nil {
        zero(s.previous.txKey)
        zero(s.previous.rxKey)
    }
    zero(s.signingKey)
    zero(s.sessionSeed)

    return nil
}

// GetMessageCount returns the number of messages processed
func (s *SecureSession) GetMessageCount() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.messageCount
}

// GetConfig returns the session configuration
func (s *SecureSession) GetConfig() Config {
    return s.config
}

// Encrypt encrypts plaintext with the current tx key using
// XChaCha20-Poly1305. Output format: nonce(24) || ciphertext.
func (s *SecureSession) Encrypt(plaintext []byte) ([]byte, error) {
    start := time.Now()
    s.mu.Lock()
    aead := s.current.aeadTx
    s.mu.Unlock()

    nonce := make([]byte, chacha20poly1305.NonceSizeX)
    if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
        metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
        return nil, fmt.Errorf("failed to generate nonce: %w", err)
    }

    ciphertext := aead.Seal(nil, nonce, plaintext, nil)

    out := make([]byte, len(nonce)+len(ciphertext))
    copy(out, nonce)
    copy(out[len(nonce):], ciphertext)

    metrics.CryptoOperations.WithLabelValues("encrypt", "xchacha20poly1305").Inc()
    metrics.CryptoOperationDuration.WithLabelValues("encrypt", "xchacha20poly1305").Observe(time.Since(start).Seconds())
    metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(plaintext)))

	s.UpdateLastUsed()
    return out, nil
}

// Decrypt decrypts data produced by the peer's Encrypt using the
// current rx key, falling back to the previous epoch's rx key if
// still within its rotation grace window.
// Expects input format: nonce(24) || ciphertext.
func (s *SecureSession) Decrypt(data []byte) ([]byte, error) {
    start := time.Now()
    if len(data) < chacha20poly1305.NonceSizeX {
        metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
        return nil, fmt.Errorf("data too short")
    }
    nonce := data[:chacha20poly1305.NonceSizeX]
    ciphertext := data[chacha20poly1305.NonceSizeX:]

    s.mu.Lock()
    aead := s.current.aeadRx
    prevAead := s.previousRxAEADLocked()
    s.mu.Unlock()

    plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
    if err != nil && prevAead != nil {
        plaintext, err = prevAead.Open(nil, nonce, ciphertext, nil)
    }
    if err != nil {
        metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
        return nil, fmt.Errorf("decryption failed: %w", err)
    }
    metrics.CryptoOperations.WithLabelValues("decrypt", "xchacha20poly1305").Inc()
    metrics.CryptoOperationDuration.WithLabelValues("decrypt", "xchacha20poly1305").Observe(time.Since(start).Seconds())
    metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(plaintext)))
	s.UpdateLastUsed()
    return plaintext, nil
}

// previousRxAEADLocked returns the previous epoch's rx AEAD if it is
// still within its grace window. Caller must hold s.mu.
func (s *SecureSession) previousRxAEADLocked() cipher.AEAD {
    if s.previous == nil || time.Now().After(s.previousValidUntil) {
        return nil
    }
    return s.previous.aeadRx
}

// EncryptAndSign encrypts plaintext, failing if the session has expired.
func (s *SecureSession) EncryptAndSign(plaintext []byte) ([]byte, error) {
    start := time.Now()
    if s.IsExpired() {
        metrics.MessagesProcessed.WithLabelValues("text", "failure").Inc()
        return nil, fmt.Errorf("session expired")
    }
    out, err := s.Encrypt(plaintext)
    metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
    if err != nil {
        metrics.MessagesProcessed.WithLabelValues("text", "failure").Inc()
        return nil, err
    }
    metrics.MessagesProcessed.WithLabelValues("text", "success").Inc()
    return out, nil
}

// DecryptAndVerify decrypts ciphertext, failing if the session has expired.
func (s *SecureSession) DecryptAndVerify(ciphertext []byte) ([]byte, error) {
    start := time.Now()
    if s.IsExpired() {
        metrics.MessagesProcessed.WithLabelValues("text", "failure").Inc()
        return nil, fmt.Errorf("session expired")
    }
    out, err := s.Decrypt(ciphertext)
    metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
    if err != nil {
        metrics.MessagesProcessed.WithLabelValues("text", "failure").Inc()
        return nil, err
    }
    metrics.MessagesProcessed.WithLabelValues("text", "success").Inc()
    return out, nil
}
