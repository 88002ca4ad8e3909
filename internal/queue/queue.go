// Package queue implements the durable, ordered log of pending operations
// awaiting transmission. Every local mutation lands here before any network
// activity; operations are removed only on confirmed remote acknowledgment.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AnakAmira/amira-securesync/internal/storage"
)

// Type is the kind of local mutation an operation represents.
type Type string

const (
	TypeCreate         Type = storage.OpCreate
	TypeUpdate         Type = storage.OpUpdate
	TypeDelete         Type = storage.OpDelete
	TypeFavoriteToggle Type = storage.OpFavoriteToggle
	TypeExport         Type = storage.OpExport
)

// ErrEmpty is returned by DequeueNext when no operation is eligible.
var ErrEmpty = errors.New("no eligible operation")

// Payload is the operation's reference to the local edit. It carries no
// plaintext content; the envelope itself lives in the record store. The
// changed-field list feeds conflict resolution.
type Payload struct {
	Domain        string   `cbor:"1,keyasint"`
	ChangedFields []string `cbor:"2,keyasint,omitempty"`
	EditedAt      int64    `cbor:"3,keyasint"`
}

// Operation is one pending mutation.
type Operation struct {
	ID          string
	EntityID    string
	Type        Type
	Payload     Payload
	BaseVersion int64
	EnqueuedAt  time.Time
	RetryCount  int
}

// Queue is the durable operation queue. All state lives in the store; the
// queue survives process restart.
type Queue struct {
	store *storage.Store
	log   zerolog.Logger
}

// New creates a queue over the given store and requeues any operations left
// in flight by a previous crash. Re-attempting them is safe because the
// remote contract is idempotent by entity id.
func New(store *storage.Store, log zerolog.Logger) (*Queue, error) {
	q := &Queue{
		store: store,
		log:   log.With().Str("component", "queue").Logger(),
	}
	if _, err := store.RequeueInFlight(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends a new operation for an entity. baseVersion is the remote
// version this mutation was built on, used for conflict detection.
func (q *Queue) Enqueue(entityID string, typ Type, payload Payload, baseVersion int64) (*Operation, error) {
	blob, err := cbor.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	op := &Operation{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		Type:        typ,
		Payload:     payload,
		BaseVersion: baseVersion,
		EnqueuedAt:  time.Now(),
	}
	row := &storage.QueueOperation{
		OperationID: op.ID,
		EntityID:    entityID,
		Type:        string(typ),
		Payload:     blob,
		BaseVersion: baseVersion,
		EnqueuedAt:  op.EnqueuedAt.Unix(),
		Status:      storage.StatusPending,
	}
	if err := q.store.PutQueueOperation(row); err != nil {
		return nil, err
	}

	q.log.Debug().
		Str("operation_id", op.ID).
		Str("entity_id", entityID).
		Str("type", string(typ)).
		Msg("operation enqueued")
	return op, nil
}

func fromRow(row *storage.QueueOperation) (*Operation, error) {
	op := &Operation{
		ID:          row.OperationID,
		EntityID:    row.EntityID,
		Type:        Type(row.Type),
		BaseVersion: row.BaseVersion,
		EnqueuedAt:  time.Unix(row.EnqueuedAt, 0),
		RetryCount:  row.RetryCount,
	}
	if len(row.Payload) > 0 {
		if err := cbor.Unmarshal(row.Payload, &op.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", row.OperationID, err)
		}
	}
	return op, nil
}

// DequeueNext returns the next eligible operation without changing its
// status, or ErrEmpty. Eligibility preserves FIFO per entity and skips
// operations whose retry deadline has not passed.
func (q *Queue) DequeueNext(now time.Time) (*Operation, error) {
	row, err := q.store.NextEligible(now.Unix())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// MarkInFlight transitions an operation to in flight before transmission.
func (q *Queue) MarkInFlight(opID string) error {
	return q.store.MarkInFlight(opID, time.Now().Unix())
}

// MarkCompleted removes an operation after confirmed remote acknowledgment.
func (q *Queue) MarkCompleted(opID string) error {
	return q.store.MarkCompleted(opID)
}

// MarkFailed records a failed attempt. Permanent failures are retained,
// never retried, and surfaced through ListFailed. Transient failures return
// to pending and become eligible again at nextRetry.
func (q *Queue) MarkFailed(opID string, permanent bool, nextRetry time.Time) error {
	return q.store.MarkFailed(opID, permanent, nextRetry.Unix())
}

// Rebase updates an operation's base version after conflict resolution and
// returns it to pending so it is re-pushed on top of the new remote version.
func (q *Queue) Rebase(opID string, baseVersion int64, retryAt time.Time) error {
	if err := q.store.UpdateBaseVersion(opID, baseVersion); err != nil {
		return err
	}
	return q.store.MarkFailed(opID, false, retryAt.Unix())
}

// RebaseEntity moves every still-pending operation for an entity onto the
// acknowledged remote version after a successful push, so sequential local
// edits never conflict with the client's own writes.
func (q *Queue) RebaseEntity(entityID string, baseVersion int64) error {
	return q.store.RebasePending(entityID, baseVersion)
}

// HasPendingDelete reports whether a delete for the entity is still queued.
func (q *Queue) HasPendingDelete(entityID string) (bool, error) {
	return q.store.HasPendingDelete(entityID)
}

// ListPending returns pending operations in enqueue order.
func (q *Queue) ListPending() ([]*Operation, error) {
	rows, err := q.store.ListPending()
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// ListFailed returns permanently failed operations for user-actionable
// surfacing.
func (q *Queue) ListFailed() ([]*Operation, error) {
	rows, err := q.store.ListFailed()
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func decodeRows(rows []*storage.QueueOperation) ([]*Operation, error) {
	ops := make([]*Operation, 0, len(rows))
	for _, row := range rows {
		op, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// PendingCount reports how many operations still await remote
// acknowledgment, including any currently in flight.
func (q *Queue) PendingCount() (int, error) {
	return q.store.CountUnacknowledged()
}
