// Package cryptoutil provides symmetric encryption of custodial account
// secrets. One scoped key is derived at process start from the configured
// secret; there is no rotation facility.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	keyLength     = 32
)

// The salt is static on purpose: the derived key must be stable across
// restarts so previously persisted blobs remain decryptable.
var kdfSalt = []byte("chatpay.custody.v1")

var (
	errEmptyMaterial = errors.New("cryptoutil: key material required")
	errShortBlob     = errors.New("cryptoutil: ciphertext too short")
)

// Encryptor seals and opens account secrets with AES-256-GCM under a
// PBKDF2-derived key. Safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the process key from material (ENCRYPTION_KEY) and
// returns a ready encryptor.
func NewEncryptor(material []byte) (*Encryptor, error) {
	if len(material) == 0 {
		return nil, errEmptyMaterial
	}
	key := pbkdf2.Key(material, kdfSalt, kdfIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: gcm init: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext into a self-contained blob (nonce ‖ ciphertext).
// Each call produces a distinct blob for the same plaintext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Error messages never include the
// plaintext or key material.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < e.aead.NonceSize() {
		return nil, errShortBlob
	}
	nonce, ciphertext := blob[:e.aead.NonceSize()], blob[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("cryptoutil: decryption failed")
	}
	return plaintext, nil
}
