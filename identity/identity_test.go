package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/silentmesh/core/crypto/storage"
	"github.com/stretchr/testify/require"
)

func TestStore_GetOrCreatePrimary_GeneratesOnce(t *testing.T) {
	st := storage.NewMemoryKeyStorage()
	store := NewStore(st)

	id1, err := store.GetOrCreatePrimary("alice")
	require.NoError(t, err)
	require.NotEmpty(t, id1.PeerID)
	require.Len(t, id1.PeerID, ed25519.PublicKeySize*2) // hex-encoded

	id2, err := store.GetOrCreatePrimary("alice-again")
	require.NoError(t, err)
	require.Equal(t, id1.PeerID, id2.PeerID)
	require.Equal(t, id1.SigningKey.ID(), id2.SigningKey.ID())
}

func TestPeerIDFromSigningKey_IsLowercaseHex(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	peerID := PeerIDFromSigningKey(pub)
	require.Regexp(t, "^[0-9a-f]+$", peerID)
	require.Len(t, peerID, ed25519.PublicKeySize*2)
}

func TestExportImport_Roundtrip(t *testing.T) {
	srcStorage := storage.NewMemoryKeyStorage()
	srcStore := NewStore(srcStorage)

	original, err := srcStore.GetOrCreatePrimary("bob")
	require.NoError(t, err)

	blob, err := Export(original)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	dstStorage := storage.NewMemoryKeyStorage()
	imported, err := Import(blob, dstStorage)
	require.NoError(t, err)

	require.Equal(t, original.PeerID, imported.PeerID)
	require.Equal(t, original.DisplayName, imported.DisplayName)
	require.Equal(t, original.SigningKey.ID(), imported.SigningKey.ID())
	require.Equal(t, original.AgreementKey.ID(), imported.AgreementKey.ID())

	// The imported identity is now the primary identity of dstStorage.
	dstStore := NewStore(dstStorage)
	fetched, err := dstStore.GetOrCreatePrimary("ignored")
	require.NoError(t, err)
	require.Equal(t, original.PeerID, fetched.PeerID)
}

func TestImport_RejectsUnknownVersion(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	claims := exportClaims{Snapshot: snapshot{Version: 999}}
	blob, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)

	_, err = Import([]byte(blob), storage.NewMemoryKeyStorage())
	require.ErrorContains(t, err, "unsupported snapshot version")
}
