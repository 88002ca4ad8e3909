// Package keys manages the key hierarchy: a master key derived from the user's
// credential with Argon2id, and per-domain data keys derived from the master
// key with HKDF. The master key lives only in volatile memory (optionally
// sealed behind a HardwareKeyGuard) and is never written to storage.
package keys

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Domain labels the data domains that get distinct data keys. Keys for
// different domains are cryptographically independent.
type Domain string

const (
	DomainJournalAudio Domain = "journal-audio"
	DomainCheckins     Domain = "checkins"
	DomainExports      Domain = "exports"
)

// KnownDomains lists all domains that participate in rotation.
var KnownDomains = []Domain{DomainJournalAudio, DomainCheckins, DomainExports}

const (
	// MasterKeySize is the master key length in bytes.
	MasterKeySize = 32

	// SaltSize is the per-user KDF salt length in bytes.
	SaltSize = 16

	hkdfPrefix    = "amira/v1/"
	verifierLabel = hkdfPrefix + "verifier"
	keyIDLabel    = hkdfPrefix + "key-id"
)

var (
	// ErrAuthenticationFailed is returned when the credential does not
	// reproduce the established master key.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrKeyUnavailable is returned when no master key is loaded, before
	// login or after logout.
	ErrKeyUnavailable = errors.New("master key unavailable")
)

// KDFParams are the Argon2id parameters for master key derivation. A
// parameter change invalidates stored verifiers, so these are fixed per
// deployment.
type KDFParams struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
}

// DefaultKDFParams matches the mobile apps.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  262144, // 256 MB
		Threads: 4,
	}
}

// Hierarchy is a derived key hierarchy: the master key plus deterministic
// per-domain data keys. During rotation two hierarchies exist side by side so
// envelopes can be re-encrypted from the old to the new.
type Hierarchy struct {
	master      []byte
	fingerprint string
}

// Fingerprint identifies this hierarchy generation. It is derived one-way
// from the master key and safe to log or embed in key IDs.
func (h *Hierarchy) Fingerprint() string {
	return h.fingerprint
}

// DataKey derives the 256-bit data key for a domain. The derivation is
// deterministic: the same master key and domain always yield the same key.
func (h *Hierarchy) DataKey(domain Domain) (key []byte, keyID string, err error) {
	if h == nil || h.master == nil {
		return nil, "", ErrKeyUnavailable
	}
	key = make([]byte, MasterKeySize)
	r := hkdf.New(sha256.New, h.master, nil, []byte(hkdfPrefix+string(domain)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, "", fmt.Errorf("failed to derive data key for %s: %w", domain, err)
	}
	return key, string(domain) + ":" + h.fingerprint, nil
}

// Verifier derives this hierarchy's credential check value, the same value
// the manager persists after DeriveMasterKey. Rotation writes it into durable
// storage in the same transaction as the re-encrypted envelopes.
func (h *Hierarchy) Verifier() ([]byte, error) {
	if h == nil || h.master == nil {
		return nil, ErrKeyUnavailable
	}
	return deriveVerifier(h.master)
}

func (h *Hierarchy) destroy() {
	zeroBytes(h.master)
	h.master = nil
}

func newHierarchy(master []byte) (*Hierarchy, error) {
	fp := make([]byte, 4)
	r := hkdf.New(sha256.New, master, nil, []byte(keyIDLabel))
	if _, err := io.ReadFull(r, fp); err != nil {
		return nil, fmt.Errorf("failed to derive fingerprint: %w", err)
	}
	return &Hierarchy{
		master:      master,
		fingerprint: fmt.Sprintf("%x", fp),
	}, nil
}

// Manager owns the cached master key and hands out domain data keys. It is
// safe for concurrent use. Constructed at login, torn down (Purge) at logout.
type Manager struct {
	mu       sync.RWMutex
	params   KDFParams
	guard    HardwareKeyGuard
	log      zerolog.Logger
	current  *Hierarchy
	handle   []byte // sealed master key, when a guard is present
	verifier []byte // HKDF check value for credential verification
	salt     []byte // per-user salt for the current credential
}

// NewManager creates a key manager. guard may be nil when no hardware-backed
// sealing is available; the caller can also pass a SoftwareGuard.
func NewManager(params KDFParams, guard HardwareKeyGuard, log zerolog.Logger) *Manager {
	return &Manager{
		params: params,
		guard:  guard,
		log:    log.With().Str("component", "keys").Logger(),
	}
}

// deriveRaw runs the Argon2id KDF. Deliberately CPU and memory expensive;
// callers run it off the interactive path.
func (m *Manager) deriveRaw(credential, salt []byte) []byte {
	return argon2.IDKey(credential, salt, m.params.Time, m.params.Memory, m.params.Threads, MasterKeySize)
}

func deriveVerifier(master []byte) ([]byte, error) {
	v := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(verifierLabel))
	if _, err := io.ReadFull(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadVerifier installs a previously persisted credential verifier so that a
// wrong credential is detected at the next DeriveMasterKey.
func (m *Manager) LoadVerifier(v []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifier = append([]byte(nil), v...)
}

// Verifier returns the current credential verifier for persistence, or nil if
// no master key has ever been derived. The verifier is a one-way check value
// and reveals nothing about the master key.
func (m *Manager) Verifier() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.verifier...)
}

// DeriveMasterKey derives the master key from the credential and caches it.
// If a verifier from an earlier derivation is present, a credential that does
// not reproduce it fails with ErrAuthenticationFailed and the cached state is
// left untouched. When a guard is configured, the master key is additionally
// sealed behind it so Lock/Unlock can model re-authentication.
func (m *Manager) DeriveMasterKey(credential, salt []byte) error {
	if len(salt) < SaltSize {
		return fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}

	master := m.deriveRaw(credential, salt)
	verifier, err := deriveVerifier(master)
	if err != nil {
		zeroBytes(master)
		return fmt.Errorf("failed to derive verifier: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.verifier != nil && subtle.ConstantTimeCompare(m.verifier, verifier) != 1 {
		zeroBytes(master)
		zeroBytes(verifier)
		return ErrAuthenticationFailed
	}

	h, err := newHierarchy(master)
	if err != nil {
		zeroBytes(master)
		return err
	}

	var handle []byte
	if m.guard != nil {
		handle, err = m.guard.Seal(master)
		if err != nil {
			h.destroy()
			return fmt.Errorf("failed to seal master key: %w", err)
		}
	}

	if m.current != nil {
		m.current.destroy()
	}
	m.current = h
	m.handle = handle
	m.verifier = verifier
	m.salt = append([]byte(nil), salt...)

	m.log.Info().Str("fingerprint", h.fingerprint).Msg("master key derived")
	return nil
}

// DataKey derives the data key for a domain from the cached master key.
func (m *Manager) DataKey(domain Domain) (key []byte, keyID string, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, "", ErrKeyUnavailable
	}
	return m.current.DataKey(domain)
}

// Fingerprint returns the current hierarchy fingerprint.
func (m *Manager) Fingerprint() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", ErrKeyUnavailable
	}
	return m.current.fingerprint, nil
}

// Lock drops the in-memory master key while keeping the sealed handle, so a
// later Unlock can restore it after re-authentication through the guard.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.destroy()
		m.current = nil
	}
}

// Unlock restores the master key from the guard-sealed handle.
func (m *Manager) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil
	}
	if m.guard == nil || m.handle == nil {
		return ErrKeyUnavailable
	}
	master, err := m.guard.Unseal(m.handle)
	if err != nil {
		return fmt.Errorf("failed to unseal master key: %w", err)
	}
	h, err := newHierarchy(master)
	if err != nil {
		zeroBytes(master)
		return err
	}
	m.current = h
	return nil
}

// Purge destroys the master key and sealed handle synchronously. Called on
// logout before the sync engine is cancelled. The verifier survives so the
// next login is still checked.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.destroy()
		m.current = nil
	}
	zeroBytes(m.handle)
	m.handle = nil
	m.log.Info().Msg("key hierarchy purged")
}

// RotationResult describes a completed credential rotation.
type RotationResult struct {
	OldFingerprint string
	NewFingerprint string
}

// ReencryptFunc re-encrypts all material still keyed to the old hierarchy
// under the new one. It runs while both hierarchies are alive; if it returns
// an error the rotation is abandoned and the old hierarchy stays current.
type ReencryptFunc func(old, new *Hierarchy) error

// Rotate derives a new master key from newCredential and atomically replaces
// the hierarchy. The old credential is verified first. The reencrypt callback
// must migrate every envelope still pending remote sync; only if it succeeds
// does the new hierarchy become observable. No partial rotation is possible:
// on any failure the prior hierarchy remains fully intact.
func (m *Manager) Rotate(oldCredential, newCredential, newSalt []byte, reencrypt ReencryptFunc) (*RotationResult, error) {
	if len(newSalt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrKeyUnavailable
	}

	// Verify the old credential against the live verifier using the salt it
	// was originally derived with.
	oldMaster := m.deriveRaw(oldCredential, m.salt)
	oldVerifier, err := deriveVerifier(oldMaster)
	zeroBytes(oldMaster)
	if err != nil {
		return nil, fmt.Errorf("failed to verify old credential: %w", err)
	}
	if subtle.ConstantTimeCompare(m.verifier, oldVerifier) != 1 {
		zeroBytes(oldVerifier)
		return nil, ErrAuthenticationFailed
	}
	zeroBytes(oldVerifier)

	// Stage the new hierarchy. Nothing below mutates current state until
	// every step has succeeded.
	newMaster := m.deriveRaw(newCredential, newSalt)
	staged, err := newHierarchy(newMaster)
	if err != nil {
		zeroBytes(newMaster)
		return nil, err
	}

	newVerifier, err := deriveVerifier(staged.master)
	if err != nil {
		staged.destroy()
		return nil, fmt.Errorf("failed to derive verifier: %w", err)
	}

	var newHandle []byte
	if m.guard != nil {
		newHandle, err = m.guard.Seal(staged.master)
		if err != nil {
			staged.destroy()
			zeroBytes(newVerifier)
			return nil, fmt.Errorf("failed to seal rotated master key: %w", err)
		}
	}

	// The re-encryption runs last so its durable transaction is the commit
	// point: nothing fallible remains after it succeeds.
	if reencrypt != nil {
		if err := reencrypt(m.current, staged); err != nil {
			staged.destroy()
			zeroBytes(newVerifier)
			zeroBytes(newHandle)
			return nil, fmt.Errorf("rotation re-encryption failed: %w", err)
		}
	}

	// Commit point.
	result := &RotationResult{
		OldFingerprint: m.current.fingerprint,
		NewFingerprint: staged.fingerprint,
	}
	m.current.destroy()
	m.current = staged
	zeroBytes(m.handle)
	m.handle = newHandle
	m.verifier = newVerifier
	m.salt = append([]byte(nil), newSalt...)

	m.log.Info().
		Str("old_fingerprint", result.OldFingerprint).
		Str("new_fingerprint", result.NewFingerprint).
		Msg("master key rotated")
	return result, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
