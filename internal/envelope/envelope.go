// Package envelope implements the authenticated encryption envelope used for
// all sensitive records. An envelope is self-describing: it carries the IV,
// authentication tag, key identifier, algorithm and format version alongside
// the ciphertext, so any holder of the right data key can decrypt it without
// out-of-band context.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// FormatVersion is the current envelope format version. The codec refuses
	// envelopes carrying any other version rather than guessing.
	FormatVersion = 1

	// AlgorithmAESGCM is the only algorithm for format version 1.
	AlgorithmAESGCM = "AES-256-GCM"

	// KeySize is the required data key length in bytes.
	KeySize = 32

	ivSize  = 12
	tagSize = 16
)

var (
	// ErrIntegrity is returned when authentication fails during decryption.
	// The envelope has been tampered with or corrupted; no plaintext is
	// ever returned alongside this error.
	ErrIntegrity = errors.New("envelope integrity check failed")

	// ErrUnknownVersion is returned for envelopes whose format version or
	// algorithm the codec does not recognize.
	ErrUnknownVersion = errors.New("unknown envelope version or algorithm")

	// ErrBadKey is returned when the provided key has the wrong length.
	ErrBadKey = errors.New("data key must be 32 bytes")
)

// Envelope is the authenticated ciphertext container. Envelopes are immutable
// once written; an update produces a new envelope rather than mutating
// ciphertext in place.
//
// The JSON encoding matches the remote wire format:
//
//	{ "id": <uuid>, "ciphertext": <base64>, "iv": <base64>, "tag": <base64>,
//	  "keyId": <string>, "algorithm": "AES-256-GCM", "version": <int>,
//	  "updatedAt": <ISO-8601> }
type Envelope struct {
	ID         string    `json:"id,omitempty" cbor:"1,keyasint,omitempty"`
	Ciphertext []byte    `json:"ciphertext" cbor:"2,keyasint"`
	IV         []byte    `json:"iv" cbor:"3,keyasint"`
	Tag        []byte    `json:"tag" cbor:"4,keyasint"`
	KeyID      string    `json:"keyId" cbor:"5,keyasint"`
	Algorithm  string    `json:"algorithm" cbor:"6,keyasint"`
	Version    int       `json:"version" cbor:"7,keyasint"`
	UpdatedAt  time.Time `json:"updatedAt" cbor:"8,keyasint"`
}

// Validate checks that the envelope is structurally complete. It does not
// verify authenticity; that happens during Decrypt.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("nil envelope")
	}
	if e.Version != FormatVersion || e.Algorithm != AlgorithmAESGCM {
		return ErrUnknownVersion
	}
	if len(e.IV) != ivSize {
		return fmt.Errorf("envelope IV must be %d bytes, got %d", ivSize, len(e.IV))
	}
	if len(e.Tag) != tagSize {
		return fmt.Errorf("envelope tag must be %d bytes, got %d", tagSize, len(e.Tag))
	}
	if e.KeyID == "" {
		return fmt.Errorf("envelope has no key id")
	}
	return nil
}

// Codec performs authenticated encryption and decryption of envelopes.
// The zero value is ready to use.
type Codec struct{}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random IV.
// keyID identifies the data key so the envelope can later be matched to the
// correct domain key.
func (Codec) Encrypt(plaintext, key []byte, keyID string) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the 16-byte tag to the ciphertext; the wire format keeps
	// them as separate fields.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize

	return &Envelope{
		Ciphertext: sealed[:split],
		IV:         iv,
		Tag:        sealed[split:],
		KeyID:      keyID,
		Algorithm:  AlgorithmAESGCM,
		Version:    FormatVersion,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Decrypt verifies and opens an envelope. Unknown versions are rejected before
// any cryptographic work. Any authentication failure, including a single
// flipped bit in ciphertext, IV or tag, returns ErrIntegrity and no plaintext.
func (Codec) Decrypt(e *Envelope, key []byte) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, ErrBadKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := make([]byte, 0, len(e.Ciphertext)+tagSize)
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.Tag...)

	plaintext, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// MarshalWire encodes the envelope as the remote JSON wire format.
func MarshalWire(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalWire decodes a remote JSON envelope and validates its structure.
func UnmarshalWire(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodeLocal encodes the envelope as CBOR for compact local storage.
func EncodeLocal(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeLocal decodes a locally stored CBOR envelope and validates its
// structure.
func DecodeLocal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode stored envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
