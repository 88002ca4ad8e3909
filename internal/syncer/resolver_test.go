package syncer

import (
	"testing"
	"time"

	"github.com/AnakAmira/amira-securesync/internal/queue"
)

func pendingEdit(typ queue.Type, editedAt time.Time, changed ...string) *queue.Operation {
	return &queue.Operation{
		ID:       "op-1",
		EntityID: "journal-1",
		Type:     typ,
		Payload: queue.Payload{
			Domain:        "journal-audio",
			ChangedFields: changed,
			EditedAt:      editedAt.Unix(),
		},
		BaseVersion: 3,
	}
}

func TestRemoteDeleteWins(t *testing.T) {
	var r Resolver

	// Local title edit at t1, remote delete at t2 > t1: tombstone wins
	// regardless of what the local edit touched.
	t1 := time.Now().Add(-time.Hour)
	op := pendingEdit(queue.TypeUpdate, t1, "title")
	remote := &ConflictError{RemoteVersion: 4, Deleted: true, UpdatedAt: t1.Add(time.Minute)}

	if d := r.Resolve(op, remote); d != DecisionRemoteDelete {
		t.Fatalf("Expected remote-delete, got %s", d)
	}
}

func TestRemoteDeleteWinsOverContentEdit(t *testing.T) {
	var r Resolver
	op := pendingEdit(queue.TypeUpdate, time.Now(), "content", "audio")
	remote := &ConflictError{RemoteVersion: 9, Deleted: true, UpdatedAt: time.Now().Add(-time.Hour)}

	if d := r.Resolve(op, remote); d != DecisionRemoteDelete {
		t.Fatalf("Expected remote-delete even against a newer local content edit, got %s", d)
	}
}

func TestLocalDeleteRebases(t *testing.T) {
	var r Resolver
	op := pendingEdit(queue.TypeDelete, time.Now())
	remote := &ConflictError{RemoteVersion: 5, ChangedFields: []string{"title"}, UpdatedAt: time.Now()}

	if d := r.Resolve(op, remote); d != DecisionRetryRebased {
		t.Fatalf("Expected retry-rebased for a pending local delete, got %s", d)
	}
}

func TestDisjointFieldsKeepLocal(t *testing.T) {
	var r Resolver
	op := pendingEdit(queue.TypeUpdate, time.Now(), "content")
	remote := &ConflictError{RemoteVersion: 5, ChangedFields: []string{"favorite"}, UpdatedAt: time.Now()}

	if d := r.Resolve(op, remote); d != DecisionRetryRebased {
		t.Fatalf("Expected retry-rebased for disjoint fields, got %s", d)
	}
}

func TestContentOverlapFlagsConflict(t *testing.T) {
	var r Resolver
	op := pendingEdit(queue.TypeUpdate, time.Now(), "content", "title")
	remote := &ConflictError{RemoteVersion: 5, ChangedFields: []string{"content"}, UpdatedAt: time.Now()}

	if d := r.Resolve(op, remote); d != DecisionFlagConflict {
		t.Fatalf("Expected flag-conflict for content overlap, got %s", d)
	}
}

func TestMetadataLastWriterWins(t *testing.T) {
	var r Resolver
	localEdit := time.Now().Add(-time.Minute)
	op := pendingEdit(queue.TypeFavoriteToggle, localEdit, "favorite")

	// Remote wrote later: remote wins.
	remote := &ConflictError{
		RemoteVersion: 5,
		ChangedFields: []string{"favorite"},
		UpdatedAt:     localEdit.Add(30 * time.Second),
	}
	if d := r.Resolve(op, remote); d != DecisionAcceptRemote {
		t.Fatalf("Expected accept-remote for later remote metadata write, got %s", d)
	}

	// Local wrote later: local wins and is re-pushed.
	remote.UpdatedAt = localEdit.Add(-30 * time.Second)
	if d := r.Resolve(op, remote); d != DecisionRetryRebased {
		t.Fatalf("Expected retry-rebased for later local metadata write, got %s", d)
	}
}

func TestNoRemoteChangesRebases(t *testing.T) {
	var r Resolver
	op := pendingEdit(queue.TypeUpdate, time.Now(), "title")
	remote := &ConflictError{RemoteVersion: 8, UpdatedAt: time.Now()}

	if d := r.Resolve(op, remote); d != DecisionRetryRebased {
		t.Fatalf("Expected retry-rebased when remote changed nothing tracked, got %s", d)
	}
}
