package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnakAmira/amira-securesync/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q, err := New(s, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q
}

func TestEnqueueDequeue(t *testing.T) {
	q := newTestQueue(t)

	payload := Payload{
		Domain:        "checkins",
		ChangedFields: []string{"content"},
		EditedAt:      time.Now().Unix(),
	}
	op, err := q.Enqueue("entity-1", TypeCreate, payload, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if op.ID == "" {
		t.Fatal("Enqueue did not assign an operation id")
	}

	got, err := q.DequeueNext(time.Now())
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got.ID != op.ID || got.EntityID != "entity-1" || got.Type != TypeCreate {
		t.Errorf("Dequeued wrong operation: %+v", got)
	}
	if got.Payload.Domain != "checkins" || len(got.Payload.ChangedFields) != 1 {
		t.Errorf("Payload did not round trip: %+v", got.Payload)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.DequeueNext(time.Now()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Expected ErrEmpty, got %v", err)
	}
}

func TestFIFOPerEntityAcrossLifecycle(t *testing.T) {
	q := newTestQueue(t)

	op1, err := q.Enqueue("entity-1", TypeCreate, Payload{Domain: "checkins"}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	op2, err := q.Enqueue("entity-1", TypeUpdate, Payload{Domain: "checkins"}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	now := time.Now()

	got, err := q.DequeueNext(now)
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got.ID != op1.ID {
		t.Fatalf("Expected op1 first, got %s", got.ID)
	}
	if err := q.MarkInFlight(op1.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	// op2 must not surface while op1 is unresolved.
	if _, err := q.DequeueNext(now); !errors.Is(err, ErrEmpty) {
		t.Fatal("op2 surfaced while op1 was in flight")
	}

	if err := q.MarkCompleted(op1.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	got, err = q.DequeueNext(now)
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got.ID != op2.ID {
		t.Fatalf("Expected op2 after op1 completed, got %s", got.ID)
	}
}

func TestTransientFailureReschedules(t *testing.T) {
	q := newTestQueue(t)
	op, err := q.Enqueue("entity-1", TypeUpdate, Payload{Domain: "checkins"}, 1)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	now := time.Now()
	if err := q.MarkInFlight(op.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := q.MarkFailed(op.ID, false, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if _, err := q.DequeueNext(now); !errors.Is(err, ErrEmpty) {
		t.Fatal("Operation eligible before its retry deadline")
	}
	got, err := q.DequeueNext(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("DequeueNext after deadline failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
}

func TestPermanentFailureRetained(t *testing.T) {
	q := newTestQueue(t)
	op, err := q.Enqueue("entity-1", TypeExport, Payload{Domain: "exports"}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkInFlight(op.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := q.MarkFailed(op.ID, true, time.Time{}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if _, err := q.DequeueNext(time.Now().Add(time.Hour)); !errors.Is(err, ErrEmpty) {
		t.Fatal("Permanently failed operation still eligible")
	}
	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("ListFailed failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != op.ID {
		t.Error("Permanently failed operation not retained")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	s, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	q, err := New(s, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	op, err := q.Enqueue("entity-1", TypeCreate, Payload{Domain: "checkins"}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkInFlight(op.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	// A new queue over the same store stands in for a process restart: the
	// orphaned in-flight operation must come back as pending.
	q2, err := New(s, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to recreate queue: %v", err)
	}
	got, err := q2.DequeueNext(time.Now())
	if err != nil {
		t.Fatalf("DequeueNext after restart failed: %v", err)
	}
	if got.ID != op.ID {
		t.Errorf("Expected requeued operation %s, got %s", op.ID, got.ID)
	}
}

func TestPendingCount(t *testing.T) {
	q := newTestQueue(t)
	var ops []*Operation
	for i := 0; i < 3; i++ {
		op, err := q.Enqueue("entity-1", TypeUpdate, Payload{Domain: "checkins"}, 0)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ops = append(ops, op)
	}
	n, err := q.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 pending, got %d", n)
	}

	// In-flight operations still await acknowledgment.
	if err := q.MarkInFlight(ops[0].ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if n, _ := q.PendingCount(); n != 3 {
		t.Errorf("Expected 3 awaiting acknowledgment, got %d", n)
	}

	// Permanently failed ones do not; they are surfaced via ListFailed.
	if err := q.MarkFailed(ops[1].ID, true, time.Time{}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if n, _ := q.PendingCount(); n != 2 {
		t.Errorf("Expected 2 awaiting acknowledgment, got %d", n)
	}
}
