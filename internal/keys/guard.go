package keys

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// HardwareKeyGuard seals key material behind a platform capability such as a
// secure element or biometric gate. Implementations exchange opaque handles;
// raw key material never crosses this boundary in logs or serialized form.
type HardwareKeyGuard interface {
	// Seal wraps key material and returns an opaque handle.
	Seal(key []byte) (handle []byte, err error)
	// Unseal recovers key material from a handle. Implementations backed by
	// real hardware prompt for re-authentication here.
	Unseal(handle []byte) (key []byte, err error)
}

// ErrSealedHandleInvalid is returned when a handle fails authentication.
var ErrSealedHandleInvalid = errors.New("sealed handle invalid or tampered")

// SoftwareGuard is the fallback for environments without secure hardware.
// It seals with XChaCha20-Poly1305 under a random per-process key, so handles
// are worthless outside the current process lifetime. NOT hardware-backed;
// it exists so the core logic runs and tests the same everywhere.
type SoftwareGuard struct {
	key []byte
}

// NewSoftwareGuard creates a software guard with a fresh process-local key.
func NewSoftwareGuard() (*SoftwareGuard, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate guard key: %w", err)
	}
	return &SoftwareGuard{key: key}, nil
}

// Seal encrypts the key material and prepends the nonce to the handle.
func (g *SoftwareGuard) Seal(key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(g.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

// Unseal decrypts a handle produced by Seal.
func (g *SoftwareGuard) Unseal(handle []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(g.key)
	if err != nil {
		return nil, err
	}
	if len(handle) < aead.NonceSize() {
		return nil, ErrSealedHandleInvalid
	}
	nonce, ciphertext := handle[:aead.NonceSize()], handle[aead.NonceSize():]
	key, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedHandleInvalid
	}
	return key, nil
}
