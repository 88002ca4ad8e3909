// Package session ties the stores, key hierarchy, queue and sync engine into
// a login-scoped lifecycle: opened after credential entry, closed at logout
// with all key material purged.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnakAmira/amira-securesync/internal/config"
	"github.com/AnakAmira/amira-securesync/internal/envelope"
	"github.com/AnakAmira/amira-securesync/internal/keys"
	"github.com/AnakAmira/amira-securesync/internal/queue"
	"github.com/AnakAmira/amira-securesync/internal/storage"
	"github.com/AnakAmira/amira-securesync/internal/syncer"
)

const (
	metaSaltKey     = "kdf_salt"
	metaVerifierKey = "credential_verifier"
)

// ErrEntityDeleted is returned by Load for an entity that exists only as a
// tombstone awaiting remote deletion.
var ErrEntityDeleted = errors.New("entity deleted")

// Options configures optional session collaborators.
type Options struct {
	// Guard seals the master key while the session is locked. Nil disables
	// sealing; keys.SoftwareGuard is the fallback on devices without one.
	Guard keys.HardwareKeyGuard
	// Gateway overrides the HTTP gateway built from the config, for tests.
	Gateway syncer.Gateway
	// Events receives sync engine notifications.
	Events syncer.Events
}

// Session is one authenticated user's view of the local store and the sync
// pipeline. All methods are safe for concurrent use.
type Session struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  *storage.Store
	keys   *keys.Manager
	queue  *queue.Queue
	engine *syncer.Engine
	codec  envelope.Codec

	// rotateMu fences envelope-producing writes against credential rotation:
	// a write holding the read side always lands entirely in one key
	// generation, never between the rotation's snapshot and its commit.
	rotateMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Open authenticates the credential against the store's persisted verifier,
// derives the key hierarchy, and starts the sync engine. A wrong credential
// fails with keys.ErrAuthenticationFailed. The first open of a store
// establishes the salt and verifier.
func Open(cfg *config.Config, credential []byte, opts Options, log zerolog.Logger) (*Session, error) {
	store, err := storage.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	km := keys.NewManager(cfg.KDF, opts.Guard, log)

	salt, err := store.GetMeta(metaSaltKey)
	firstRun := errors.Is(err, storage.ErrNotFound)
	if err != nil && !firstRun {
		store.Close()
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	if firstRun {
		salt = make([]byte, keys.SaltSize)
		if _, err := rand.Read(salt); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	} else {
		verifier, err := store.GetMeta(metaVerifierKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load verifier: %w", err)
		}
		km.LoadVerifier(verifier)
	}

	if err := km.DeriveMasterKey(credential, salt); err != nil {
		store.Close()
		return nil, err
	}

	if firstRun {
		if err := store.SetMeta(metaSaltKey, salt); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to persist salt: %w", err)
		}
		if err := store.SetMeta(metaVerifierKey, km.Verifier()); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to persist verifier: %w", err)
		}
	}

	q, err := queue.New(store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	gw := opts.Gateway
	if gw == nil {
		gw = syncer.NewHTTPGateway(cfg.Remote.BaseURL, cfg.Remote.AuthToken, cfg.RemoteTimeout())
	}

	s := &Session{
		cfg:    cfg,
		log:    log.With().Str("component", "session").Logger(),
		store:  store,
		keys:   km,
		queue:  q,
		engine: syncer.New(store, q, gw, cfg.EngineConfig(), opts.Events, log),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.engine.Run(ctx)
	}()

	s.log.Info().Bool("first_run", firstRun).Msg("session opened")
	return s, nil
}

// Save encrypts plaintext under the domain's data key, stores it locally, and
// queues it for sync. changedFields names the logical fields this edit
// touched; the server echoes them back on conflicting writes.
func (s *Session) Save(entityID string, domain keys.Domain, plaintext []byte, changedFields []string) error {
	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	key, keyID, err := s.keys.DataKey(domain)
	if err != nil {
		return err
	}

	env, err := s.codec.Encrypt(plaintext, key, keyID)
	if err != nil {
		return err
	}
	env.ID = entityID

	err = s.store.WithEntityLock(entityID, func() error {
		typ := queue.TypeUpdate
		if _, err := s.store.GetRecord(entityID); errors.Is(err, storage.ErrNotFound) {
			typ = queue.TypeCreate
		}
		if err := s.store.PutRecordLocked(entityID, string(domain), env); err != nil {
			return err
		}
		st, err := s.store.GetSyncState(entityID)
		if err != nil {
			return err
		}
		_, err = s.queue.Enqueue(entityID, typ, queue.Payload{
			Domain:        string(domain),
			ChangedFields: changedFields,
			EditedAt:      time.Now().Unix(),
		}, st.RemoteVersion)
		return err
	})
	if err != nil {
		return err
	}

	s.engine.Notify()
	return nil
}

// Load decrypts and returns an entity's plaintext.
func (s *Session) Load(entityID string) ([]byte, error) {
	rec, err := s.store.GetRecord(entityID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrEntityDeleted
	}

	key, _, err := s.keys.DataKey(keys.Domain(rec.Domain))
	if err != nil {
		return nil, err
	}
	return s.codec.Decrypt(rec.Envelope, key)
}

// Delete tombstones the entity locally and queues the remote deletion. The
// plaintext is unrecoverable immediately; the tombstone is dropped once the
// server acknowledges.
func (s *Session) Delete(entityID string) error {
	err := s.store.WithEntityLock(entityID, func() error {
		rec, err := s.store.GetRecord(entityID)
		if err != nil {
			return err
		}
		if err := s.store.DeleteRecordLocked(entityID); err != nil {
			return err
		}
		st, err := s.store.GetSyncState(entityID)
		if err != nil {
			return err
		}
		_, err = s.queue.Enqueue(entityID, queue.TypeDelete, queue.Payload{
			Domain:   rec.Domain,
			EditedAt: time.Now().Unix(),
		}, st.RemoteVersion)
		return err
	})
	if err != nil {
		return err
	}

	s.engine.Notify()
	return nil
}

// ClearConflict marks an entity's conflict as resolved by the user.
func (s *Session) ClearConflict(entityID string) error {
	return s.store.ClearConflict(entityID)
}

// SyncState exposes an entity's sync bookkeeping, including the conflict flag.
func (s *Session) SyncState(entityID string) (*storage.SyncState, error) {
	return s.store.GetSyncState(entityID)
}

// PendingCount returns the number of operations awaiting sync.
func (s *Session) PendingCount() (int, error) {
	return s.queue.PendingCount()
}

// Engine exposes the sync engine for state subscriptions.
func (s *Session) Engine() *syncer.Engine {
	return s.engine
}

// SetOnline forwards a connectivity change to the engine.
func (s *Session) SetOnline(online bool) {
	s.engine.SetOnline(online)
}

// RotateCredential replaces the login credential. Every locally stored
// envelope plus the new salt and verifier commit in one transaction; on any
// failure the old credential, metadata and ciphertexts remain fully intact.
// Writes are fenced out for the duration so no envelope can land under the
// old hierarchy after the re-encryption snapshot.
func (s *Session) RotateCredential(oldCredential, newCredential []byte) error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	newSalt := make([]byte, keys.SaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	res, err := s.keys.Rotate(oldCredential, newCredential, newSalt, func(old, new *keys.Hierarchy) error {
		verifier, err := new.Verifier()
		if err != nil {
			return err
		}
		meta := map[string][]byte{
			metaSaltKey:     newSalt,
			metaVerifierKey: verifier,
		}
		return s.store.ReencryptRecords(func(entityID, domain string, env *envelope.Envelope) (*envelope.Envelope, error) {
			oldKey, _, err := old.DataKey(keys.Domain(domain))
			if err != nil {
				return nil, err
			}
			plaintext, err := s.codec.Decrypt(env, oldKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt %s during rotation: %w", entityID, err)
			}
			newKey, newKeyID, err := new.DataKey(keys.Domain(domain))
			if err != nil {
				return nil, err
			}
			reenc, err := s.codec.Encrypt(plaintext, newKey, newKeyID)
			if err != nil {
				return nil, err
			}
			reenc.ID = entityID
			return reenc, nil
		}, meta)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("old_fingerprint", res.OldFingerprint).
		Str("new_fingerprint", res.NewFingerprint).
		Msg("credential rotated")
	return nil
}

// Close purges key material, stops the sync engine and closes the store. The
// purge happens first so no key outlives the logout decision; operations
// caught mid-flight stay queued and sync on the next login.
func (s *Session) Close() error {
	s.keys.Purge()
	s.cancel()
	<-s.done
	err := s.store.Close()
	s.log.Info().Msg("session closed")
	return err
}
