// Package crypto implements the CryptoGateway boundary: the only place PHI
// plaintext is turned into EncryptedPayload envelopes and back.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
	// ErrContextMismatch is returned when an envelope sits in a slot other
	// than the one it was sealed for.
	ErrContextMismatch = errors.New("envelope sealed for a different record")
)

// Seal encrypts plaintext with a key derived from secret via SHA-256 and
// returns base64(nonce || ciphertext). Used for material at rest on the
// device, such as the wrapped master key.
func Seal(plaintext, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrInvalidKey
	}
	derivedKey := sha256.Sum256(secret)

	gcm, err := newGCM(derivedKey[:])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal.
func Open(sealed string, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	derivedKey := sha256.Sum256(secret)

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(derivedKey[:])
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
