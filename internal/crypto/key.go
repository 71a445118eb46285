package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
)

// Constants for AES-256-GCM encryption.
const (
	NonceSize = 12 // GCM standard nonce size
	TagSize   = 16 // GCM authentication tag size
	KeySize   = 32 // AES-256 key size
)

// Errors returned by crypto operations.
var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrDecryptFailed     = errors.New("decryption failed: authentication error")
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")
	ErrKeyFileNotFound   = errors.New("encryption key file not found")
	ErrInvalidKeyFormat  = errors.New("invalid key format: must be 32 bytes or 64 hex chars")
)

// EncryptionKey holds the AES-256 key and its AEAD instance.
type EncryptionKey struct {
	key  []byte
	aead cipher.AEAD
}

// NewEncryptionKey creates an encryption key from raw bytes.
func NewEncryptionKey(key []byte) (*EncryptionKey, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)

	return &EncryptionKey{key: keyCopy, aead: gcm}, nil
}

// GenerateKey generates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadKeyFromFile loads an encryption key from a file. The file may
// contain either raw 32 bytes or 64 hex characters.
func LoadKeyFromFile(path string) (*EncryptionKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyFileNotFound
		}
		return nil, err
	}

	var key []byte
	if len(data) == KeySize {
		key = data
	} else {
		trimmed := []byte(strings.TrimSpace(string(data)))
		switch len(trimmed) {
		case KeySize:
			key = trimmed
		case KeySize * 2:
			key = make([]byte, KeySize)
			if _, err := hex.Decode(key, trimmed); err != nil {
				return nil, ErrInvalidKeyFormat
			}
		default:
			return nil, ErrInvalidKeyFormat
		}
	}

	return NewEncryptionKey(key)
}

// SaveKeyToFile saves a key to a file in hex format, readable only by
// the owner.
func SaveKeyToFile(key []byte, path string) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600)
}

// Encrypt seals plaintext with a fresh random nonce.
// Output layout: nonce (12 bytes) + ciphertext + auth tag (16 bytes).
func (k *EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Seal appends ciphertext + auth tag to the nonce.
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (k *EncryptionKey) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := sealed[:NonceSize]
	plaintext, err := k.aead.Open(nil, nonce, sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Clear zeros out the key material.
func (k *EncryptionKey) Clear() {
	for i := range k.key {
		k.key[i] = 0
	}
}
