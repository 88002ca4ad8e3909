package syncer

import (
	"github.com/AnakAmira/amira-securesync/internal/queue"
)

// Decision is the resolver's verdict on a divergent entity. The engine
// performs the storage and queue I/O the decision calls for; Resolve itself
// is a pure function.
type Decision int

const (
	// DecisionRemoteDelete removes the entity locally. A remote tombstone
	// supersedes any pending local edit and raises no conflict flag.
	DecisionRemoteDelete Decision = iota

	// DecisionAcceptRemote replaces the local envelope with the remote one
	// and drops the pending operation; the remote write was later and only
	// touched fields the local edit also only-touched as metadata.
	DecisionAcceptRemote

	// DecisionRetryRebased keeps the local pending edit: the operation is
	// re-pushed on top of the new remote version.
	DecisionRetryRebased

	// DecisionFlagConflict parks the entity for explicit user resolution:
	// both sides changed the same content field, neither version is
	// silently dropped.
	DecisionFlagConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionRemoteDelete:
		return "remote-delete"
	case DecisionAcceptRemote:
		return "accept-remote"
	case DecisionRetryRebased:
		return "retry-rebased"
	case DecisionFlagConflict:
		return "flag-conflict"
	default:
		return "unknown"
	}
}

// Field classification for conflict purposes. Metadata follows
// last-writer-wins; content is never silently dropped.
var contentFields = map[string]bool{
	"content": true,
	"audio":   true,
	"notes":   true,
}

func isContentField(f string) bool { return contentFields[f] }

// Resolver reconciles a pending local operation with a newer remote version.
type Resolver struct{}

// Resolve decides the surviving version when the remote version is newer
// than the base the pending operation assumed.
//
// Rules, in order:
//   - A remote delete is terminal: it wins over any pending local edit.
//   - A pending local delete stays a delete; it is rebased and re-pushed
//     (the tombstone supersedes the remote content edit).
//   - If both sides changed the same content field, the entity is flagged
//     for user resolution.
//   - If both sides changed only metadata fields, the later writer wins.
//   - Otherwise the edits touch disjoint fields and the local pending edit
//     is re-pushed on top of the remote version.
func (Resolver) Resolve(op *queue.Operation, remote *ConflictError) Decision {
	if remote.Deleted {
		return DecisionRemoteDelete
	}
	if op.Type == queue.TypeDelete {
		return DecisionRetryRebased
	}

	overlap := intersect(op.Payload.ChangedFields, remote.ChangedFields)
	if len(overlap) == 0 {
		return DecisionRetryRebased
	}

	for _, f := range overlap {
		if isContentField(f) {
			return DecisionFlagConflict
		}
	}

	// Metadata-only overlap: last writer wins by timestamp.
	if remote.UpdatedAt.Unix() > op.Payload.EditedAt {
		return DecisionAcceptRemote
	}
	return DecisionRetryRebased
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}
