package formats

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	sagecrypto "github.com/silentmesh/core/crypto"
	"github.com/silentmesh/core/crypto/keys"
)

// JWK represents a JSON Web Key restricted to the OKP key types this
// module actually generates: Ed25519 (signing identities) and X25519
// (session key agreement).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type jwkExporter struct{}

func NewJWKExporter() sagecrypto.KeyExporter {
	return &jwkExporter{}
}

func (e *jwkExporter) Export(keyPair sagecrypto.KeyPair, format sagecrypto.KeyFormat) ([]byte, error) {
	if format != sagecrypto.KeyFormatJWK {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	jwk := &JWK{Kid: keyPair.ID(), Use: "sig"}

	switch keyPair.Type() {
	case sagecrypto.KeyTypeEd25519:
		privateKey, ok := keyPair.PrivateKey().(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("invalid Ed25519 private key type")
		}
		publicKey := privateKey.Public().(ed25519.PublicKey)

		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(publicKey)
		jwk.D = base64.RawURLEncoding.EncodeToString(privateKey.Seed())
		jwk.Alg = "EdDSA"

	case sagecrypto.KeyTypeX25519:
		privKey, ok := keyPair.PrivateKey().(*ecdh.PrivateKey)
		if !ok {
			return nil, errors.New("invalid X25519 private key type")
		}
		pubKey := privKey.Public().(*ecdh.PublicKey)

		jwk.Use = "enc"
		jwk.Kty = "OKP"
		jwk.Crv = "X25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pubKey.Bytes())
		jwk.D = base64.RawURLEncoding.EncodeToString(privKey.Bytes())
		jwk.Alg = "ECDH-ES"

	default:
		return nil, sagecrypto.ErrInvalidKeyType
	}

	return json.Marshal(jwk)
}

func (e *jwkExporter) ExportPublic(keyPair sagecrypto.KeyPair, format sagecrypto.KeyFormat) ([]byte, error) {
	if format != sagecrypto.KeyFormatJWK {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	jwk := &JWK{Kid: keyPair.ID(), Use: "sig"}

	switch keyPair.Type() {
	case sagecrypto.KeyTypeEd25519:
		publicKey, ok := keyPair.PublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("invalid Ed25519 public key type")
		}
		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(publicKey)
		jwk.Alg = "EdDSA"

	case sagecrypto.KeyTypeX25519:
		pubKey, ok := keyPair.PublicKey().(*ecdh.PublicKey)
		if !ok {
			return nil, errors.New("invalid X25519 public key type")
		}
		jwk.Use = "enc"
		jwk.Kty = "OKP"
		jwk.Crv = "X25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pubKey.Bytes())
		jwk.Alg = "ECDH-ES"

	default:
		return nil, sagecrypto.ErrInvalidKeyType
	}

	return json.Marshal(jwk)
}

type jwkImporter struct{}

func NewJWKImporter() sagecrypto.KeyImporter {
	return &jwkImporter{}
}

func (i *jwkImporter) Import(data []byte, format sagecrypto.KeyFormat) (sagecrypto.KeyPair, error) {
	if format != sagecrypto.KeyFormatJWK {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWK: %w", err)
	}

	if jwk.Kty != "OKP" {
		return nil, fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}

	switch jwk.Crv {
	case "Ed25519":
		return i.importEd25519(&jwk)
	case "X25519":
		return i.importX25519(&jwk)
	default:
		return nil, fmt.Errorf("unsupported OKP curve: %s", jwk.Crv)
	}
}

func (i *jwkImporter) ImportPublic(data []byte, format sagecrypto.KeyFormat) (crypto.PublicKey, error) {
	if format != sagecrypto.KeyFormatJWK {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWK: %w", err)
	}

	if jwk.Kty != "OKP" {
		return nil, fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}

	switch jwk.Crv {
	case "Ed25519":
		publicKeyBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		return ed25519.PublicKey(publicKeyBytes), nil

	case "X25519":
		publicKeyBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode X25519 public key: %w", err)
		}
		publicKey, err := ecdh.X25519().NewPublicKey(publicKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to create X25519 public key: %w", err)
		}
		return publicKey, nil

	default:
		return nil, fmt.Errorf("unsupported OKP curve: %s", jwk.Crv)
	}
}

func (i *jwkImporter) importEd25519(jwk *JWK) (sagecrypto.KeyPair, error) {
	if jwk.D == "" {
		return nil, errors.New("missing private key component")
	}

	seedBytes, err := base64.RawURLEncoding.DecodeString(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seedBytes)
	return keys.NewEd25519KeyPair(privateKey, jwk.Kid)
}

func (i *jwkImporter) importX25519(jwk *JWK) (sagecrypto.KeyPair, error) {
	if jwk.D == "" {
		return nil, errors.New("missing private key component")
	}

	privateKeyBytes, err := base64.RawURLEncoding.DecodeString(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("failed to decode X25519 private key: %w", err)
	}

	privateKey, err := ecdh.X25519().NewPrivateKey(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create X25519 private key: %w", err)
	}

	return keys.NewX25519KeyPair(privateKey, jwk.Kid)
}

// ComputeKeyIDRFC9421 derives a kid from the RFC 7638 JWK thumbprint
// construction, reused here purely as a stable, collision-resistant
// fingerprint for gossip/export snapshots rather than for HTTP signing.
func (jwk JWK) ComputeKeyIDRFC9421() (string, error) {
	m := map[string]string{"kty": jwk.Kty}
	if jwk.Crv != "" {
		m["crv"] = jwk.Crv
	}
	if jwk.X != "" {
		m["x"] = jwk.X
	}

	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	buf := []byte{'{'}
	for i, k := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		valueJSON, err := json.Marshal(m[k])
		if err != nil {
			return "", fmt.Errorf("failed to marshal JWK thumbprint value: %w", err)
		}
		buf = append(buf, fmt.Sprintf("%q:%s", k, valueJSON)...)
	}
	buf = append(buf, '}')

	sum := sha256.Sum256(buf)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
