// Package storage provides the durable local store for encrypted records,
// pending queue operations and per-entity sync state, backed by SQLite.
//
// Sensitive domains never touch this package as plaintext: records are
// accepted only as validated encryption envelopes. Writes to the same entity
// are serialized through a per-entity lock so a UI edit and a sync write can
// never interleave.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/AnakAmira/amira-securesync/internal/envelope"
)

// Operation statuses persisted in the queue table.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusFailed   = "failed"
)

// Operation types for local mutations awaiting sync.
const (
	OpCreate         = "create"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpFavoriteToggle = "favorite-toggle"
	OpExport         = "export"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPlaintextRejected is returned when a caller tries to store a value
	// that is not a structurally valid envelope. Storing plaintext for a
	// sensitive domain is a programming error, not a recoverable condition.
	ErrPlaintextRejected = errors.New("refusing to store non-envelope value for sensitive domain")
)

// Record is an encrypted entity as persisted locally. A deleted record is a
// tombstone: the row survives without its envelope until the delete has
// propagated remotely.
type Record struct {
	EntityID  string
	Domain    string
	Envelope  *envelope.Envelope
	Deleted   bool
	UpdatedAt int64
}

// SyncState tracks the local/remote version pair for one entity. The conflict
// flag is cleared only through ClearConflict, never by routine sync success.
type SyncState struct {
	EntityID      string
	LocalVersion  int64
	RemoteVersion int64
	LastSyncedAt  int64
	ConflictFlag  bool
}

// QueueOperation is one durable pending mutation. Payload is an opaque
// reference (CBOR) interpreted by the queue package, not an envelope.
type QueueOperation struct {
	OperationID string
	EntityID    string
	Type        string
	Payload     []byte
	BaseVersion int64
	EnqueuedAt  int64
	Status      string
	RetryCount  int
	NextRetryAt int64
	AttemptedAt int64
}

// Store is the secure local store. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// Per-entity write locks, created lazily.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if needed) the store at path. Use ":memory:" for
// tests.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// The in-memory database would vanish per-connection otherwise.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:    db,
		log:   log.With().Str("component", "storage").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Encrypted records, one row per entity. The envelope column holds the
	-- CBOR-encoded envelope; deleted rows are tombstones awaiting sync.
	CREATE TABLE IF NOT EXISTS records (
		entity_id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		envelope BLOB,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Per-entity sync versions and conflict flag.
	CREATE TABLE IF NOT EXISTS sync_state (
		entity_id TEXT PRIMARY KEY,
		local_version INTEGER NOT NULL DEFAULT 0,
		remote_version INTEGER NOT NULL DEFAULT 0,
		last_synced_at INTEGER NOT NULL DEFAULT 0,
		conflict_flag INTEGER NOT NULL DEFAULT 0
	);

	-- Durable operation log. rowid gives enqueue order; FIFO per entity is
	-- enforced at dequeue time.
	CREATE TABLE IF NOT EXISTS queue_operations (
		operation_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		op_type TEXT NOT NULL,
		payload BLOB,
		base_version INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'in_flight', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		attempted_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON queue_operations(entity_id, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_queue_eligible
		ON queue_operations(status, next_retry_at)
		WHERE status = 'pending';

	-- Last attempt time per entity, used by the fairness policy: the least
	-- recently attempted entity's head operation goes first.
	CREATE TABLE IF NOT EXISTS queue_entities (
		entity_id TEXT PRIMARY KEY,
		last_attempt_at INTEGER NOT NULL DEFAULT 0
	);

	-- Non-secret bookkeeping: KDF salt, credential verifier, schema markers.
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) entityLock(entityID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[entityID] = l
	}
	return l
}

// WithEntityLock runs fn while holding the write lock for entityID. All
// record mutations for one entity, whether from the UI or the sync engine,
// go through here; mutations for distinct entities do not contend.
func (s *Store) WithEntityLock(entityID string, fn func() error) error {
	l := s.entityLock(entityID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// PutRecord stores an envelope for an entity and bumps its local version.
// A nil or structurally invalid envelope is rejected with
// ErrPlaintextRejected; this store never holds plaintext for a sensitive
// domain.
func (s *Store) PutRecord(entityID, domain string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaintextRejected, err)
	}
	blob, err := envelope.EncodeLocal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return s.WithEntityLock(entityID, func() error {
		return s.putRecordLocked(entityID, domain, blob)
	})
}

// PutRecordLocked is PutRecord for callers already inside WithEntityLock,
// such as the conflict resolver applying its decision.
func (s *Store) PutRecordLocked(entityID, domain string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaintextRejected, err)
	}
	blob, err := envelope.EncodeLocal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return s.putRecordLocked(entityID, domain, blob)
}

func (s *Store) putRecordLocked(entityID, domain string, blob []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO records (entity_id, domain, envelope, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			domain = excluded.domain,
			envelope = excluded.envelope,
			deleted = 0,
			updated_at = excluded.updated_at
	`, entityID, domain, blob, now)
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO sync_state (entity_id, local_version)
		VALUES (?, 1)
		ON CONFLICT(entity_id) DO UPDATE SET local_version = local_version + 1
	`, entityID)
	if err != nil {
		return fmt.Errorf("failed to bump local version: %w", err)
	}

	return tx.Commit()
}

// GetRecord returns the record for entityID, ErrNotFound if none exists.
// Tombstones are returned with Deleted=true and a nil envelope.
func (s *Store) GetRecord(entityID string) (*Record, error) {
	var (
		rec  Record
		blob []byte
	)
	err := s.db.QueryRow(`
		SELECT entity_id, domain, envelope, deleted, updated_at
		FROM records WHERE entity_id = ?
	`, entityID).Scan(&rec.EntityID, &rec.Domain, &blob, &rec.Deleted, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if len(blob) > 0 {
		env, err := envelope.DecodeLocal(blob)
		if err != nil {
			return nil, fmt.Errorf("stored envelope for %s is corrupt: %w", entityID, err)
		}
		rec.Envelope = env
	}
	return &rec, nil
}

// DeleteRecord turns the record into a tombstone: the envelope is dropped,
// the row survives so the delete can propagate through sync.
func (s *Store) DeleteRecord(entityID string) error {
	return s.WithEntityLock(entityID, func() error {
		return s.DeleteRecordLocked(entityID)
	})
}

// DeleteRecordLocked is DeleteRecord for callers already inside
// WithEntityLock.
func (s *Store) DeleteRecordLocked(entityID string) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE records SET envelope = NULL, deleted = 1, updated_at = ?
		WHERE entity_id = ?
	`, now, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRecord removes a record row entirely, used once a remote delete has
// been acknowledged and the tombstone is no longer needed.
func (s *Store) PurgeRecord(entityID string) error {
	return s.WithEntityLock(entityID, func() error {
		if _, err := s.db.Exec(`DELETE FROM records WHERE entity_id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge record: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM sync_state WHERE entity_id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge sync state: %w", err)
		}
		return nil
	})
}

// PurgeTombstone removes a record row only while it is still a tombstone. A
// record the user re-created after queuing the delete is left untouched, so
// an acknowledged remote delete can never destroy newer local data.
func (s *Store) PurgeTombstone(entityID string) error {
	return s.WithEntityLock(entityID, func() error {
		res, err := s.db.Exec(`DELETE FROM records WHERE entity_id = ? AND deleted = 1`, entityID)
		if err != nil {
			return fmt.Errorf("failed to purge tombstone: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := s.db.Exec(`DELETE FROM sync_state WHERE entity_id = ?`, entityID); err != nil {
				return fmt.Errorf("failed to purge sync state: %w", err)
			}
		}
		return nil
	})
}

// GetSyncState returns the sync state for entityID. A missing row is
// reported as the zero state, not an error.
func (s *Store) GetSyncState(entityID string) (*SyncState, error) {
	st := &SyncState{EntityID: entityID}
	err := s.db.QueryRow(`
		SELECT local_version, remote_version, last_synced_at, conflict_flag
		FROM sync_state WHERE entity_id = ?
	`, entityID).Scan(&st.LocalVersion, &st.RemoteVersion, &st.LastSyncedAt, &st.ConflictFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return st, nil
}

// MarkSynced records a successful remote round trip for entityID. It never
// touches the conflict flag.
func (s *Store) MarkSynced(entityID string, remoteVersion int64) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO sync_state (entity_id, remote_version, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			remote_version = excluded.remote_version,
			last_synced_at = excluded.last_synced_at
	`, entityID, remoteVersion, now)
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return nil
}

// SetConflict raises the conflict flag for entityID.
func (s *Store) SetConflict(entityID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (entity_id, conflict_flag) VALUES (?, 1)
		ON CONFLICT(entity_id) DO UPDATE SET conflict_flag = 1
	`, entityID)
	if err != nil {
		return fmt.Errorf("failed to set conflict flag: %w", err)
	}
	return nil
}

// ClearConflict lowers the conflict flag. Only the conflict resolver and
// explicit user action call this.
func (s *Store) ClearConflict(entityID string) error {
	_, err := s.db.Exec(`UPDATE sync_state SET conflict_flag = 0 WHERE entity_id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("failed to clear conflict flag: %w", err)
	}
	return nil
}

// PutQueueOperation appends an operation to the durable queue.
func (s *Store) PutQueueOperation(op *QueueOperation) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_operations
			(operation_id, entity_id, op_type, payload, base_version, enqueued_at, status, retry_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.OperationID, op.EntityID, op.Type, op.Payload, op.BaseVersion,
		op.EnqueuedAt, op.Status, op.RetryCount, op.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

// GetQueueOperation loads one operation by id.
func (s *Store) GetQueueOperation(operationID string) (*QueueOperation, error) {
	row := s.db.QueryRow(`
		SELECT operation_id, entity_id, op_type, payload, base_version,
		       enqueued_at, status, retry_count, next_retry_at, attempted_at
		FROM queue_operations WHERE operation_id = ?
	`, operationID)
	return scanOperation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*QueueOperation, error) {
	var op QueueOperation
	err := row.Scan(&op.OperationID, &op.EntityID, &op.Type, &op.Payload,
		&op.BaseVersion, &op.EnqueuedAt, &op.Status, &op.RetryCount,
		&op.NextRetryAt, &op.AttemptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return &op, nil
}

// ListPending returns all pending operations in enqueue order.
func (s *Store) ListPending() ([]*QueueOperation, error) {
	return s.listByStatus(StatusPending)
}

// ListFailed returns permanently failed operations for user-facing surfacing.
func (s *Store) ListFailed() ([]*QueueOperation, error) {
	return s.listByStatus(StatusFailed)
}

func (s *Store) listByStatus(status string) ([]*QueueOperation, error) {
	rows, err := s.db.Query(`
		SELECT operation_id, entity_id, op_type, payload, base_version,
		       enqueued_at, status, retry_count, next_retry_at, attempted_at
		FROM queue_operations WHERE status = ? ORDER BY rowid
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*QueueOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CountUnacknowledged counts operations not yet acknowledged remotely:
// pending plus in flight. Permanently failed operations are excluded; they
// are surfaced through ListFailed instead.
func (s *Store) CountUnacknowledged() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queue_operations
		WHERE status IN ('pending', 'in_flight')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

// NextEligible returns the next operation to attempt, or ErrNotFound when
// nothing is ready. Eligibility enforces FIFO per entity: an operation is
// returned only if no earlier operation for the same entity is still pending
// or in flight. Across entities, the least recently attempted head goes
// first so no entity starves behind a busy one.
func (s *Store) NextEligible(now int64) (*QueueOperation, error) {
	row := s.db.QueryRow(`
		SELECT q.operation_id, q.entity_id, q.op_type, q.payload, q.base_version,
		       q.enqueued_at, q.status, q.retry_count, q.next_retry_at, q.attempted_at
		FROM queue_operations q
		WHERE q.status = 'pending'
		  AND q.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM queue_operations q2
			WHERE q2.entity_id = q.entity_id
			  AND q2.rowid < q.rowid
			  AND q2.status IN ('pending', 'in_flight')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM queue_operations q3
			WHERE q3.entity_id = q.entity_id AND q3.status = 'in_flight'
		  )
		ORDER BY COALESCE((
			SELECT e.last_attempt_at FROM queue_entities e
			WHERE e.entity_id = q.entity_id
		), 0) ASC, q.rowid ASC
		LIMIT 1
	`, now)
	return scanOperation(row)
}

// MarkInFlight transitions a pending operation to in_flight and records the
// attempt time for its entity.
func (s *Store) MarkInFlight(operationID string, now int64) error {
	res, err := s.db.Exec(`
		UPDATE queue_operations
		SET status = 'in_flight', attempted_at = ?
		WHERE operation_id = ? AND status = 'pending'
	`, now, operationID)
	if err != nil {
		return fmt.Errorf("failed to mark in flight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.Exec(`
		INSERT INTO queue_entities (entity_id, last_attempt_at)
		SELECT entity_id, ? FROM queue_operations WHERE operation_id = ?
		ON CONFLICT(entity_id) DO UPDATE SET last_attempt_at = excluded.last_attempt_at
	`, now, operationID)
	if err != nil {
		return fmt.Errorf("failed to record attempt time: %w", err)
	}
	return nil
}

// MarkCompleted removes an acknowledged operation from the queue.
func (s *Store) MarkCompleted(operationID string) error {
	res, err := s.db.Exec(`DELETE FROM queue_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed handles a failed attempt. Permanent failures are retained with
// status failed and never retried; transient ones return to pending with an
// incremented retry count and a next-retry deadline.
func (s *Store) MarkFailed(operationID string, permanent bool, nextRetryAt int64) error {
	var (
		res sql.Result
		err error
	)
	if permanent {
		res, err = s.db.Exec(`
			UPDATE queue_operations SET status = 'failed'
			WHERE operation_id = ?
		`, operationID)
	} else {
		res, err = s.db.Exec(`
			UPDATE queue_operations
			SET status = 'pending', retry_count = retry_count + 1, next_retry_at = ?
			WHERE operation_id = ?
		`, nextRetryAt, operationID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasPendingDelete reports whether a delete operation for the entity is
// still awaiting transmission. FIFO per entity guarantees at most one
// operation per entity is in flight, so a pending or in-flight delete is
// always later than the caller's current operation.
func (s *Store) HasPendingDelete(entityID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queue_operations
		WHERE entity_id = ? AND op_type = 'delete'
		  AND status IN ('pending', 'in_flight')
	`, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check for pending delete: %w", err)
	}
	return n > 0, nil
}

// RebasePending moves every still-pending operation for an entity onto the
// acknowledged remote version. Called after the server accepts a write, so
// sequential local edits do not conflict with the client's own pushes.
func (s *Store) RebasePending(entityID string, baseVersion int64) error {
	_, err := s.db.Exec(`
		UPDATE queue_operations SET base_version = ?
		WHERE entity_id = ? AND status = 'pending' AND base_version < ?
	`, baseVersion, entityID, baseVersion)
	if err != nil {
		return fmt.Errorf("failed to rebase pending operations: %w", err)
	}
	return nil
}

// UpdateBaseVersion rebases an operation onto a newer remote version after
// conflict resolution decided the local edit survives.
func (s *Store) UpdateBaseVersion(operationID string, baseVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE queue_operations SET base_version = ? WHERE operation_id = ?
	`, baseVersion, operationID)
	if err != nil {
		return fmt.Errorf("failed to update base version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueInFlight returns crash-orphaned in-flight operations to pending.
// Called once at startup; the remote contract is idempotent by entity id, so
// re-attempting an operation whose outcome was lost is safe.
func (s *Store) RequeueInFlight() (int, error) {
	res, err := s.db.Exec(`
		UPDATE queue_operations SET status = 'pending'
		WHERE status = 'in_flight'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue in-flight operations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("requeued in-flight operations after restart")
	}
	return int(n), nil
}

// ReencryptRecords rewrites every live record's envelope through fn inside a
// single transaction, together with any metadata updates in meta. Either
// every envelope and metadata row is migrated or none is; credential rotation
// relies on this so the persisted salt and verifier can never disagree with
// the key generation of the stored envelopes.
func (s *Store) ReencryptRecords(fn func(entityID, domain string, env *envelope.Envelope) (*envelope.Envelope, error), meta map[string][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT entity_id, domain, envelope FROM records WHERE deleted = 0`)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	type pendingUpdate struct {
		entityID string
		blob     []byte
	}
	var updates []pendingUpdate
	for rows.Next() {
		var (
			entityID, domain string
			blob             []byte
		)
		if err := rows.Scan(&entityID, &domain, &blob); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan record: %w", err)
		}
		env, err := envelope.DecodeLocal(blob)
		if err != nil {
			rows.Close()
			return fmt.Errorf("stored envelope for %s is corrupt: %w", entityID, err)
		}
		newEnv, err := fn(entityID, domain, env)
		if err != nil {
			rows.Close()
			return fmt.Errorf("re-encryption of %s failed: %w", entityID, err)
		}
		newBlob, err := envelope.EncodeLocal(newEnv)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		updates = append(updates, pendingUpdate{entityID: entityID, blob: newBlob})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := time.Now().Unix()
	for _, u := range updates {
		if _, err := tx.Exec(`
			UPDATE records SET envelope = ?, updated_at = ? WHERE entity_id = ?
		`, u.blob, now, u.entityID); err != nil {
			return fmt.Errorf("failed to update record %s: %w", u.entityID, err)
		}
	}
	for key, value := range meta {
		if _, err := tx.Exec(`
			INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now); err != nil {
			return fmt.Errorf("failed to write metadata %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// GetMeta reads a bookkeeping value, ErrNotFound if absent.
func (s *Store) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a bookkeeping value.
func (s *Store) SetMeta(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", key, err)
	}
	return nil
}
