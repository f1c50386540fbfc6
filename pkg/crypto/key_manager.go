package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrKeyNotLoaded   = errors.New("key manager not initialized")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager holds every encryption key version currently in rotation and
// always encrypts with the newest one while still being able to decrypt
// ciphertext tagged with an older version.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

const envKeyPrefix = "MASTER_ENCRYPTION_KEY"

// maxKeyVersions bounds how many MASTER_ENCRYPTION_KEY_V{n} rotation slots
// NewKeyManager scans for; in practice a deployment rotates at most a
// handful of times over its lifetime.
const maxKeyVersions = 10

// NewKeyManager loads MASTER_ENCRYPTION_KEY (version 1, required) plus any
// MASTER_ENCRYPTION_KEY_V2..V10 found in the environment, and encrypts with
// the highest version present.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}

	if err := km.loadKey(1, envKeyPrefix); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.currentVer = 1

	for v := 2; v <= maxKeyVersions; v++ {
		envName := fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		if err := km.loadKey(v, envName); err == nil {
			km.currentVer = v
		}
	}

	return km, nil
}

func (km *KeyManager) loadKey(version int, envName string) error {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return ErrKeyNotFound
	}

	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}

	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}

	km.encryptors[version] = enc
	return nil
}

// Encrypt encrypts plaintext under the current (highest-version) key.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt reads the version tag off ciphertext and decrypts with whichever
// key produced it, so rotating in a new key never breaks reads of values
// written under an older one.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}

	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt decrypts under the old key and re-encrypts under the current
// one; run this over stored wallet addresses after adding a new key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the key version new encryptions are tagged with.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// HasVersion reports whether a specific key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}

// GenerateKey produces a random base64-encoded AES-256 key, suitable for
// seeding MASTER_ENCRYPTION_KEY in a new deployment.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := cryptoRandRead(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// cryptoRandRead is overridable in tests that need deterministic key bytes.
var cryptoRandRead = func(b []byte) (int, error) {
	return rand.Reader.Read(b)
}
