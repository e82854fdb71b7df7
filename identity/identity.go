// Package identity manages the device's long-lived identity: an
// Ed25519 signing keypair and an X25519 key-agreement keypair, plus
// the peer ID derived from the signing public key.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"

	sagecrypto "github.com/silentmesh/core/crypto"
	"github.com/silentmesh/core/crypto/formats"
	"github.com/silentmesh/core/crypto/keys"
)

const (
	signingKeyStorageID    = "identity.primary.signing"
	agreementKeyStorageID  = "identity.primary.agreement"
	exportSnapshotVersion  = 1
)

// Identity is a device's primary identity: the signing keypair that
// defines its peer ID, and the agreement keypair used to bootstrap
// session handshakes.
type Identity struct {
	PeerID       string
	DisplayName  string
	CreatedAt    time.Time
	SigningKey   sagecrypto.KeyPair // Ed25519
	AgreementKey sagecrypto.KeyPair // X25519
}

// PeerIDFromSigningKey returns the lowercase hex of an Ed25519 public key.
func PeerIDFromSigningKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// Fingerprint returns a short base58 encoding of the identity's signing
// public key, for display in QR codes, NFC pairing prompts, and other
// UI surfaces where the full 64-hex-char peer ID is too long. It is
// derived, not authoritative: PeerID remains the canonical identifier
// used on the wire and in storage.
func (id *Identity) Fingerprint() string {
	pub, ok := id.SigningKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return ""
	}
	return base58.Encode(pub)
}

// Store manages a single device-resident primary Identity, backed by
// a crypto.KeyStorage (any backend satisfying that interface).
type Store struct {
	storage sagecrypto.KeyStorage
}

// NewStore wraps an existing key storage backend with identity semantics.
func NewStore(storage sagecrypto.KeyStorage) *Store {
	return &Store{storage: storage}
}

// GetOrCreatePrimary returns the primary identity, generating and
// persisting one if absent. Only the two keypairs are persisted: an
// identity loaded from storage carries the displayName passed to this
// call and a zero CreatedAt.
func (s *Store) GetOrCreatePrimary(displayName string) (*Identity, error) {
	signingKey, err := s.storage.Load(signingKeyStorageID)
	if err == nil {
		agreementKey, aerr := s.storage.Load(agreementKeyStorageID)
		if aerr != nil {
			return nil, fmt.Errorf("load agreement key: %w", aerr)
		}
		pub, ok := signingKey.PublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("stored signing key is not Ed25519")
		}
		return &Identity{
			PeerID:       PeerIDFromSigningKey(pub),
			DisplayName:  displayName,
			SigningKey:   signingKey,
			AgreementKey: agreementKey,
		}, nil
	}
	if !errors.Is(err, sagecrypto.ErrKeyNotFound) {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	signingKey, err = keys.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	agreementKey, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}

	if err := s.storage.Store(signingKeyStorageID, signingKey); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}
	if err := s.storage.Store(agreementKeyStorageID, agreementKey); err != nil {
		return nil, fmt.Errorf("store agreement key: %w", err)
	}

	pub, ok := signingKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("generated signing key is not Ed25519")
	}

	return &Identity{
		PeerID:       PeerIDFromSigningKey(pub),
		DisplayName:  displayName,
		CreatedAt:    time.Now(),
		SigningKey:   signingKey,
		AgreementKey: agreementKey,
	}, nil
}

// snapshot is the opaque, versioned export blob. Private keys are
// included (as JWKs) so the identity can be reconstructed on another
// device, but nothing in this package ever transmits a snapshot over
// the mesh itself — that is the caller's responsibility to avoid.
type snapshot struct {
	Version      int             `json:"version"`
	PeerID       string          `json:"peerId"`
	DisplayName  string          `json:"displayName"`
	CreatedAt    time.Time       `json:"createdAt"`
	SigningJWK   json.RawMessage `json:"signingKey"`
	AgreementJWK json.RawMessage `json:"agreementKey"`
}

// exportClaims wraps the snapshot in a JWT so a migrated identity blob
// is tamper-evident in transit (disk copy, QR hop, cloud backup): any
// edit to the embedded snapshot invalidates the EdDSA signature over
// it, since the signature is produced by the same signing key the
// snapshot claims to carry.
type exportClaims struct {
	jwt.RegisteredClaims
	Snapshot snapshot `json:"snapshot"`
}

// Export yields an opaque, versioned, self-signed blob suitable for
// import on another device.
func Export(id *Identity) ([]byte, error) {
	exporter := formats.NewJWKExporter()

	signingJWK, err := exporter.Export(id.SigningKey, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("export signing key: %w", err)
	}
	agreementJWK, err := exporter.Export(id.AgreementKey, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("export agreement key: %w", err)
	}

	snap := snapshot{
		Version:      exportSnapshotVersion,
		PeerID:       id.PeerID,
		DisplayName:  id.DisplayName,
		CreatedAt:    id.CreatedAt,
		SigningJWK:   signingJWK,
		AgreementJWK: agreementJWK,
	}

	priv, ok := id.SigningKey.PrivateKey().(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not Ed25519")
	}

	claims := exportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.PeerID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Snapshot: snap,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return nil, fmt.Errorf("sign export snapshot: %w", err)
	}
	return []byte(signed), nil
}

// Import reconstructs an Identity from an Export blob, verifying its
// self-signature against the signing public key the blob itself
// carries, and persists its keys into storage under the well-known
// primary-identity IDs, replacing whatever primary identity (if any)
// was there before.
func Import(data []byte, storage sagecrypto.KeyStorage) (*Identity, error) {
	importer := formats.NewJWKImporter()

	var unverified exportClaims
	if _, _, err := jwt.NewParser().ParseUnverified(string(data), &unverified); err != nil {
		return nil, fmt.Errorf("parse export token: %w", err)
	}
	if unverified.Snapshot.Version != exportSnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", unverified.Snapshot.Version)
	}

	verifyKey, err := importer.Import(unverified.Snapshot.SigningJWK, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("import signing key for verification: %w", err)
	}
	verifyPub, ok := verifyKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("embedded signing key is not Ed25519")
	}

	var claims exportClaims
	_, err = jwt.ParseWithClaims(string(data), &claims, func(t *jwt.Token) (interface{}, error) {
		return verifyPub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("verify export signature: %w", err)
	}

	snap := claims.Snapshot

	signingKey, err := importer.Import(snap.SigningJWK, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("import signing key: %w", err)
	}
	agreementKey, err := importer.Import(snap.AgreementJWK, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("import agreement key: %w", err)
	}

	if err := storage.Store(signingKeyStorageID, signingKey); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}
	if err := storage.Store(agreementKeyStorageID, agreementKey); err != nil {
		return nil, fmt.Errorf("store agreement key: %w", err)
	}

	pub, ok := signingKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("imported signing key is not Ed25519")
	}

	return &Identity{
		PeerID:       PeerIDFromSigningKey(pub),
		DisplayName:  snap.DisplayName,
		CreatedAt:    snap.CreatedAt,
		SigningKey:   signingKey,
		AgreementKey: agreementKey,
	}, nil
}
