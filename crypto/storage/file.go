package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	sagecrypto "github.com/silentmesh/core/crypto"
	"github.com/silentmesh/core/crypto/formats"
)

const pbkdf2Iterations = 100000

// encryptedKeyFile is the on-disk shape of one stored key: its JWK
// export, encrypted with AES-256-GCM under a key derived from the
// storage passphrase via PBKDF2.
type encryptedKeyFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// fileKeyStorage implements sagecrypto.KeyStorage as one encrypted
// file per key under a directory, matching KeyStoreConfig's
// "encrypted-file" type.
type fileKeyStorage struct {
	directory  string
	passphrase []byte
	exporter   sagecrypto.KeyExporter
	importer   sagecrypto.KeyImporter
	mu         sync.RWMutex
}

// NewFileKeyStorage creates an encrypted-file-backed KeyStorage rooted
// at directory. passphrase derives the per-key encryption key; callers
// typically read it from the environment variable named by
// KeyStoreConfig.PassphraseEnv.
func NewFileKeyStorage(directory string, passphrase []byte) (sagecrypto.KeyStorage, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("crypto/storage: empty passphrase")
	}
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("crypto/storage: create directory: %w", err)
	}
	return &fileKeyStorage{
		directory:  directory,
		passphrase: passphrase,
		exporter:   formats.NewJWKExporter(),
		importer:   formats.NewJWKImporter(),
	}, nil
}

func validateKeyID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("crypto/storage: invalid key id %q", id)
	}
	return nil
}

func (s *fileKeyStorage) path(id string) string {
	return filepath.Join(s.directory, id+".key.json")
}

func (s *fileKeyStorage) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.passphrase, salt, pbkdf2Iterations, 32, sha256.New)
}

func (s *fileKeyStorage) Store(id string, keyPair sagecrypto.KeyPair) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	jwkData, err := s.exporter.Export(keyPair, sagecrypto.KeyFormatJWK)
	if err != nil {
		return fmt.Errorf("crypto/storage: export key: %w", err)
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("crypto/storage: generate salt: %w", err)
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("crypto/storage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("crypto/storage: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("crypto/storage: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, jwkData, nil)

	fileData := encryptedKeyFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.MarshalIndent(fileData, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto/storage: marshal key file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path(id), raw, 0600)
}

func (s *fileKeyStorage) Load(id string) (sagecrypto.KeyPair, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	raw, err := os.ReadFile(s.path(id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sagecrypto.ErrKeyNotFound
		}
		return nil, fmt.Errorf("crypto/storage: read key file: %w", err)
	}

	var fileData encryptedKeyFile
	if err := json.Unmarshal(raw, &fileData); err != nil {
		return nil, fmt.Errorf("crypto/storage: unmarshal key file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(fileData.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(fileData.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(fileData.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: new gcm: %w", err)
	}

	jwkData, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: decrypt (wrong passphrase?): %w", err)
	}

	keyPair, err := s.importer.Import(jwkData, sagecrypto.KeyFormatJWK)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: import key: %w", err)
	}
	return keyPair, nil
}

func (s *fileKeyStorage) Delete(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
		return sagecrypto.ErrKeyNotFound
	}
	return os.Remove(s.path(id))
}

func (s *fileKeyStorage) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("crypto/storage: read directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".key.json"); ok {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileKeyStorage) Exists(id string) bool {
	if err := validateKeyID(id); err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(id))
	return err == nil
}
