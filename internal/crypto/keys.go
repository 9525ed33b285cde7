package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

const (
	DefaultKeyBits = 2048
	minKeyBits     = 1024

	fingerprintSize = 8
	privateKeyType  = "PRIVATE KEY"
	publicKeyType   = "PUBLIC KEY"
)

var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a node's long-lived asymmetric identity. It is read-only after
// creation and safe for concurrent use.
type KeyPair struct {
	private   *rsa.PrivateKey
	publicPEM string
}

func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < minKeyBits {
		return nil, fmt.Errorf("%w: %d bit keys are too small", ErrInvalidKey, bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	pub, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv, publicPEM: pub}, nil
}

// LoadOrGenerateKeyPair reads a PKCS#8 PEM private key from path, creating
// one with the given size when the file does not exist.
func LoadOrGenerateKeyPair(path string, bits int) (*KeyPair, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("loading %s: %w", path, err)
		}
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading key file: %w", err)
	}

	kp, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(path); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Save writes the private key as PKCS#8 PEM with owner-only permissions.
func (k *KeyPair) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("marshalling private key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: privateKeyType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func ParsePrivateKey(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidKey, privateKeyType)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected rsa key, got %T", ErrInvalidKey, key)
	}
	return newKeyPair(priv)
}

// PublicPEM is the value sent in the handshake's pubkey message.
func (k *KeyPair) PublicPEM() string {
	return k.publicPEM
}

func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

func (k *KeyPair) Fingerprint() string {
	return Fingerprint(&k.private.PublicKey)
}

// UnwrapKey recovers a symmetric key wrapped with WrapKey for this pair.
func (k *KeyPair) UnwrapKey(blob []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: session key is %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

// WrapKey encrypts a symmetric key for the holder of pub using RSA-OAEP.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	blob, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}
	return blob, nil
}

func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshalling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: der})), nil
}

func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != publicKeyType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidKey, publicKeyType)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected rsa key, got %T", ErrInvalidKey, key)
	}
	if pub.N.BitLen() < minKeyBits {
		return nil, fmt.Errorf("%w: %d bit keys are too small", ErrInvalidKey, pub.N.BitLen())
	}
	return pub, nil
}

// Fingerprint returns the first bytes of SHA3-256 over the DER public key, hex encoded.
func Fingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha3.Sum256(der)
	return hex.EncodeToString(sum[:fingerprintSize])
}
