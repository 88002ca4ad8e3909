// Package syncer drains the durable operation queue against the remote API.
// The engine is an explicit state machine (Idle, Syncing, Backoff, Paused)
// running on its own background context; it never blocks user-initiated
// reads or writes, and up to a bounded number of entities sync concurrently.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/AnakAmira/amira-securesync/internal/queue"
	"github.com/AnakAmira/amira-securesync/internal/storage"
)

// State is the engine's externally visible mode.
type State int

const (
	// StateIdle: online with nothing eligible to transmit.
	StateIdle State = iota
	// StateSyncing: at least one operation is in flight.
	StateSyncing
	// StateBackoff: waiting out a retry delay after a transient failure.
	StateBackoff
	// StatePaused: offline, or retries exhausted; draining is suspended
	// until connectivity returns or Resume is called.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Events are optional observability hooks. All callbacks run on the engine's
// background context and must not block.
type Events struct {
	// OnPermanentFailure fires when the server permanently rejected an
	// operation. User-actionable; the operation is retained, never retried.
	OnPermanentFailure func(op *queue.Operation, err error)
	// OnConflict fires when an entity was flagged for user resolution.
	OnConflict func(entityID string)
	// OnSyncPending fires when retries are exhausted and the engine paused
	// with operations still queued. Non-fatal; the app stays usable.
	OnSyncPending func(pending int)
}

// Config tunes the engine.
type Config struct {
	// Workers bounds how many entities sync concurrently.
	Workers int64
	// MaxRetries bounds transient retries per operation before the engine
	// pauses with a sync-pending indicator.
	MaxRetries int
	// PollInterval bounds how long the drain loop sleeps when idle.
	PollInterval time.Duration
	// Backoff is the retry delay curve.
	Backoff Backoff
}

// DefaultConfig returns production engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxRetries:   6,
		PollInterval: 2 * time.Second,
		Backoff:      DefaultBackoff(),
	}
}

// Engine is the sync state machine.
type Engine struct {
	store    *storage.Store
	queue    *queue.Queue
	gateway  Gateway
	resolver Resolver
	cfg      Config
	events   Events
	log      zerolog.Logger

	sem  *semaphore.Weighted
	wake chan struct{}

	mu         sync.Mutex
	state      State
	stateDelay time.Duration
	online     bool
	paused     bool
	active     int
	subs       []chan State
}

// New creates an engine. It starts online; call SetOnline(false) when the
// platform reports lost connectivity.
func New(store *storage.Store, q *queue.Queue, gw Gateway, cfg Config, events Events, log zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		store:   store,
		queue:   q,
		gateway: gw,
		cfg:     cfg,
		events:  events,
		log:     log.With().Str("component", "syncer").Logger(),
		sem:     semaphore.NewWeighted(cfg.Workers),
		wake:    make(chan struct{}, 1),
		state:   StateIdle,
		online:  true,
	}
}

// State returns the current state and, for StateBackoff, the pending delay.
func (e *Engine) State() (State, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.stateDelay
}

// Subscribe returns a channel receiving state transitions. Slow consumers
// miss intermediate states rather than blocking the engine.
func (e *Engine) Subscribe() <-chan State {
	ch := make(chan State, 16)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) setState(s State, delay time.Duration) {
	e.mu.Lock()
	changed := e.state != s || (s == StateBackoff && e.stateDelay != delay)
	e.state = s
	e.stateDelay = delay
	subs := e.subs
	e.mu.Unlock()

	if !changed {
		return
	}
	e.log.Debug().Stringer("state", s).Dur("delay", delay).Msg("state transition")
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// SetOnline reports a connectivity change. Going offline pauses the engine
// immediately; coming back online resumes draining.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	if online {
		e.paused = false
	}
	e.mu.Unlock()
	e.wakeup()
}

// Resume clears a retry-exhaustion pause and restarts draining.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.wakeup()
}

// Notify wakes the drain loop, typically after an enqueue, so a fresh
// operation does not wait out the poll interval.
func (e *Engine) Notify() {
	e.wakeup()
}

func (e *Engine) wakeup() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) runnable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online && !e.paused
}

// Run drains the queue until ctx is cancelled. Cancellation abandons
// in-flight network calls but leaves queue state untouched; operations whose
// outcome is unknown are re-attempted later (at-least-once).
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	// On return, wait for dispatched workers. Their network calls share ctx
	// and abort promptly once it is cancelled.
	defer e.sem.Acquire(context.Background(), e.cfg.Workers)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !e.runnable() {
			e.setState(StatePaused, 0)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		op, err := e.queue.DequeueNext(time.Now())
		if errors.Is(err, queue.ErrEmpty) {
			e.settle()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			case <-timer.C:
			}
			continue
		}
		if err != nil {
			e.log.Error().Err(err).Msg("failed to dequeue")
			e.setState(StateBackoff, e.cfg.Backoff.Initial)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.Backoff.Initial):
			}
			continue
		}

		// Mark in flight before dispatch so the next loop iteration cannot
		// pick an operation for the same entity.
		if err := e.queue.MarkInFlight(op.ID); err != nil {
			e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to mark in flight")
			continue
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		e.mu.Lock()
		e.active++
		e.mu.Unlock()
		e.setState(StateSyncing, 0)

		go func(op *queue.Operation) {
			defer func() {
				e.sem.Release(1)
				e.mu.Lock()
				e.active--
				e.mu.Unlock()
				e.wakeup()
			}()
			e.process(ctx, op)
		}(op)
	}
}

// settle picks the resting state when nothing is eligible: Syncing while
// workers remain active, Backoff while retries are scheduled, Idle otherwise.
func (e *Engine) settle() {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active > 0 {
		e.setState(StateSyncing, 0)
		return
	}
	pending, err := e.queue.PendingCount()
	if err == nil && pending > 0 {
		e.setState(StateBackoff, e.cfg.PollInterval)
		return
	}
	e.setState(StateIdle, 0)
}

// process transmits one operation and settles its outcome. Every path either
// completes, retains, or reschedules the operation; none discards it.
func (e *Engine) process(ctx context.Context, op *queue.Operation) {
	err := e.transmit(ctx, op)
	if err == nil {
		return
	}

	// A cancelled run leaves the operation in flight; it is requeued when
	// the queue is next opened. Never mark completed speculatively.
	if ctx.Err() != nil {
		e.log.Info().Str("operation_id", op.ID).Msg("cancelled with operation in flight")
		return
	}

	var ce *ConflictError
	var pe *PermanentError
	switch {
	case errors.As(err, &ce):
		e.resolveConflict(op, ce)
	case errors.As(err, &pe):
		e.log.Warn().Err(err).
			Str("operation_id", op.ID).
			Str("entity_id", op.EntityID).
			Msg("operation permanently rejected")
		if err := e.queue.MarkFailed(op.ID, true, time.Time{}); err != nil {
			e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to retain rejected operation")
		}
		if e.events.OnPermanentFailure != nil {
			e.events.OnPermanentFailure(op, pe)
		}
	default:
		e.handleTransient(op, err)
	}
}

func (e *Engine) handleTransient(op *queue.Operation, cause error) {
	delay := e.cfg.Backoff.Delay(op.RetryCount)
	if err := e.queue.MarkFailed(op.ID, false, time.Now().Add(delay)); err != nil {
		e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to reschedule operation")
		return
	}

	if op.RetryCount+1 >= e.cfg.MaxRetries {
		e.log.Warn().Err(cause).
			Str("operation_id", op.ID).
			Int("retries", op.RetryCount+1).
			Msg("retries exhausted, pausing sync")
		e.mu.Lock()
		e.paused = true
		e.mu.Unlock()
		e.setState(StatePaused, 0)
		if e.events.OnSyncPending != nil {
			pending, _ := e.queue.PendingCount()
			e.events.OnSyncPending(pending)
		}
		return
	}

	e.log.Debug().Err(cause).
		Str("operation_id", op.ID).
		Dur("delay", delay).
		Int("retry", op.RetryCount+1).
		Msg("transient failure, backing off")
	e.setState(StateBackoff, delay)
}

// transmit performs the remote call for one operation and records success.
func (e *Engine) transmit(ctx context.Context, op *queue.Operation) error {
	if op.Type == queue.TypeDelete {
		if err := e.gateway.DeleteEntity(ctx, op.EntityID, op.BaseVersion); err != nil {
			return err
		}
		if err := e.queue.MarkCompleted(op.ID); err != nil {
			return err
		}
		// Acknowledged remotely; the tombstone has served its purpose. The
		// purge spares a record the user re-created after queuing the
		// delete, since its own operations are still behind this one.
		if err := e.store.PurgeTombstone(op.EntityID); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to drop tombstone")
		}
		return nil
	}

	rec, err := e.store.GetRecord(op.EntityID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.Deleted) {
		// No envelope to push. Completing this edit is only correct when a
		// later queued delete carries the final word for the entity; with
		// no such delete the mutation would vanish silently, so it is
		// retained as a failure instead.
		hasDelete, derr := e.queue.HasPendingDelete(op.EntityID)
		if derr != nil {
			return derr
		}
		if hasDelete {
			return e.queue.MarkCompleted(op.ID)
		}
		return &PermanentError{Status: 0, Msg: "local record missing for queued operation"}
	}
	if err != nil {
		return err
	}

	remoteVersion, err := e.gateway.PutEntity(ctx, op.EntityID, rec.Envelope, op.BaseVersion)
	if err != nil {
		return err
	}
	// Record the acknowledged version before dropping the operation; if the
	// process dies in between, the redelivery is idempotent.
	if err := e.store.MarkSynced(op.EntityID, remoteVersion); err != nil {
		return err
	}
	if err := e.queue.MarkCompleted(op.ID); err != nil {
		return err
	}
	// Later queued edits for this entity were built on the version we just
	// superseded; move them onto the acknowledged one so they do not 409
	// against our own write.
	if err := e.queue.RebaseEntity(op.EntityID, remoteVersion); err != nil {
		e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to rebase queued siblings")
	}
	e.log.Debug().
		Str("entity_id", op.EntityID).
		Int64("remote_version", remoteVersion).
		Msg("operation acknowledged")
	return nil
}

// resolveConflict applies the resolver's decision through the store's
// per-entity atomic path.
func (e *Engine) resolveConflict(op *queue.Operation, ce *ConflictError) {
	decision := e.resolver.Resolve(op, ce)
	e.log.Info().
		Str("entity_id", op.EntityID).
		Stringer("decision", decision).
		Int64("remote_version", ce.RemoteVersion).
		Msg("resolving conflict")

	switch decision {
	case DecisionRemoteDelete:
		// Tombstone wins: drop the entity and its pending edit, no flag.
		if err := e.store.PurgeRecord(op.EntityID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to apply remote delete")
			return
		}
		if err := e.queue.MarkCompleted(op.ID); err != nil {
			e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to complete superseded operation")
		}

	case DecisionAcceptRemote:
		if ce.Envelope == nil {
			// Nothing to apply; fall back to re-pushing the local edit.
			e.rebase(op, ce)
			return
		}
		if err := e.store.PutRecord(op.EntityID, op.Payload.Domain, ce.Envelope); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to apply remote envelope")
			return
		}
		if err := e.store.MarkSynced(op.EntityID, ce.RemoteVersion); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to record remote version")
		}
		if err := e.queue.MarkCompleted(op.ID); err != nil {
			e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to complete operation")
		}
		if err := e.queue.RebaseEntity(op.EntityID, ce.RemoteVersion); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to rebase queued siblings")
		}

	case DecisionRetryRebased:
		e.rebase(op, ce)

	case DecisionFlagConflict:
		if err := e.store.SetConflict(op.EntityID); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to flag conflict")
			return
		}
		if err := e.store.MarkSynced(op.EntityID, ce.RemoteVersion); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to record remote version")
		}
		// Both versions are retained: local envelope stays in the store,
		// the remote one is recoverable by version. The operation leaves
		// the queue; user resolution re-enqueues whichever side they pick.
		if err := e.queue.MarkCompleted(op.ID); err != nil {
			e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to park conflicted operation")
		}
		if err := e.queue.RebaseEntity(op.EntityID, ce.RemoteVersion); err != nil {
			e.log.Error().Err(err).Str("entity_id", op.EntityID).Msg("failed to rebase queued siblings")
		}
		if e.events.OnConflict != nil {
			e.events.OnConflict(op.EntityID)
		}
	}
}

func (e *Engine) rebase(op *queue.Operation, ce *ConflictError) {
	if err := e.queue.Rebase(op.ID, ce.RemoteVersion, time.Now()); err != nil {
		e.log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to rebase operation")
	}
}
