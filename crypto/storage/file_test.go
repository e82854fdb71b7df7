package storage

import (
	"testing"

	"github.com/silentmesh/core/crypto"
	"github.com/silentmesh/core/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyStorage(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileKeyStorage(dir, []byte("correct horse battery staple"))
	require.NoError(t, err)

	t.Run("StoreAndLoadKeyPair", func(t *testing.T) {
		keyPair, err := keys.GenerateEd25519KeyPair()
		require.NoError(t, err)

		require.NoError(t, storage.Store("test-key", keyPair))

		loaded, err := storage.Load("test-key")
		require.NoError(t, err)
		assert.Equal(t, keyPair.ID(), loaded.ID())
		assert.Equal(t, keyPair.Type(), loaded.Type())

		message := []byte("test message")
		signature, err := loaded.Sign(message)
		require.NoError(t, err)
		assert.NoError(t, keyPair.Verify(message, signature))
	})

	t.Run("LoadNonExistentKey", func(t *testing.T) {
		_, err := storage.Load("non-existent")
		assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	})

	t.Run("DeleteKey", func(t *testing.T) {
		keyPair, err := keys.GenerateEd25519KeyPair()
		require.NoError(t, err)

		require.NoError(t, storage.Store("delete-test", keyPair))
		assert.True(t, storage.Exists("delete-test"))

		require.NoError(t, storage.Delete("delete-test"))
		assert.False(t, storage.Exists("delete-test"))

		_, err = storage.Load("delete-test")
		assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	})

	t.Run("RejectsPathTraversalID", func(t *testing.T) {
		keyPair, err := keys.GenerateEd25519KeyPair()
		require.NoError(t, err)

		assert.Error(t, storage.Store("../escape", keyPair))
		assert.Error(t, storage.Store("nested/id", keyPair))
	})

	t.Run("WrongPassphraseFailsToDecrypt", func(t *testing.T) {
		keyPair, err := keys.GenerateEd25519KeyPair()
		require.NoError(t, err)
		require.NoError(t, storage.Store("passphrase-test", keyPair))

		other, err := NewFileKeyStorage(dir, []byte("wrong passphrase"))
		require.NoError(t, err)

		_, err = other.Load("passphrase-test")
		assert.Error(t, err)
	})

	t.Run("ListKeys", func(t *testing.T) {
		fresh := t.TempDir()
		s, err := NewFileKeyStorage(fresh, []byte("another passphrase"))
		require.NoError(t, err)

		for _, id := range []string{"alpha", "beta", "gamma"} {
			kp, err := keys.GenerateEd25519KeyPair()
			require.NoError(t, err)
			require.NoError(t, s.Store(id, kp))
		}

		ids, err := s.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, ids)
	})
}
