// Package crypto encrypts payout wallet addresses at rest. Everything else
// in the trading domain (balances, positions, ledger entries) stays
// plaintext; wallet addresses are the one field handed to an external payment
// processor and worth isolating behind a dedicated envelope format.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// VersionPrefix tags every ciphertext with the key version that produced
	// it, so a later key rotation can still decrypt old values.
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor performs AES-256-GCM encryption for a single key version.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor wraps a 32-byte AES-256 key as an Encryptor tagged with
// version.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// Encrypt seals plaintext and returns "ENC[vN]:base64(nonce||ciphertext)".
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. ciphertext must carry the "ENC[vN]:" prefix this
// Encryptor's version produced; callers route by version through KeyManager
// rather than calling this directly on a mismatched version.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	encoded, ok := stripVersionPrefix(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(sealed) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce, body := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// GetVersion returns the key version this Encryptor was built with.
func (e *Encryptor) GetVersion() int {
	return e.version
}

// stripVersionPrefix extracts the base64 payload after "ENC[vN]:".
func stripVersionPrefix(ciphertext string) (string, bool) {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return "", false
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return "", false
	}
	return ciphertext[idx+2:], true
}

// ParseVersion extracts the key version tagged on an encrypted string, or 0
// if the envelope format doesn't match.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
