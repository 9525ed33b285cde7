package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize selects AES-256.
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var ErrDecryption = errors.New("decryption failed")

// NewSessionKey returns a fresh random AES-256 key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return key, nil
}

// SessionCipher seals application messages for one connection. It is safe
// for concurrent use.
type SessionCipher struct {
	aead cipher.AEAD
	key  []byte
}

func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	return &SessionCipher{aead: aead, key: keyCopy}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
// The returned layout is nonce || tag || ciphertext.
func (c *SessionCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(plaintext)], sealed[len(plaintext):]

	out := make([]byte, 0, NonceSize+TagSize+len(plaintext))
	out = append(out, nonce...)
	out = append(out, tag...)
	return append(out, ct...), nil
}

// Open reverses Seal. Any authentication failure is ErrDecryption.
func (c *SessionCipher) Open(data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than nonce and tag", ErrDecryption, len(data))
	}
	nonce := data[:NonceSize]
	tag := data[NonceSize : NonceSize+TagSize]
	ct := data[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecryption)
	}
	return plaintext, nil
}

// Key returns a copy of the symmetric key.
func (c *SessionCipher) Key() []byte {
	out := make([]byte, len(c.key))
	copy(out, c.key)
	return out
}
