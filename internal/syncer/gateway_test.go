package syncer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnakAmira/amira-securesync/internal/envelope"
)

func wireEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	key := make([]byte, envelope.KeySize)
	rand.Read(key)
	var codec envelope.Codec
	env, err := codec.Encrypt([]byte("payload"), key, "checkins:abcd1234")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return env
}

func TestPutEntitySuccess(t *testing.T) {
	var gotPath, gotIfMatch, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIfMatch = r.Header.Get("If-Match")
		gotAuth = r.Header.Get("Authorization")

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Request body is not JSON: %v", err)
		}
		if body["algorithm"] != envelope.AlgorithmAESGCM {
			t.Errorf("Wire envelope missing algorithm, got %v", body["algorithm"])
		}
		if body["id"] != "entity-1" {
			t.Errorf("Wire envelope id mismatch: %v", body["id"])
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(putResponse{Version: 7})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok-123", 5*time.Second)
	version, err := gw.PutEntity(context.Background(), "entity-1", wireEnvelope(t), 6)
	if err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	if version != 7 {
		t.Errorf("Expected remote version 7, got %d", version)
	}
	if gotPath != "/entities/entity-1" {
		t.Errorf("Wrong path: %s", gotPath)
	}
	if gotIfMatch != "6" {
		t.Errorf("Wrong If-Match: %s", gotIfMatch)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Wrong auth header: %s", gotAuth)
	}
}

func TestPutEntityConflict(t *testing.T) {
	remoteEnv := wireEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictBody{
			Version:       9,
			ChangedFields: []string{"title"},
			UpdatedAt:     time.Now(),
			Envelope:      remoteEnv,
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok", 5*time.Second)
	_, err := gw.PutEntity(context.Background(), "entity-1", wireEnvelope(t), 3)

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	if ce.RemoteVersion != 9 || ce.Deleted {
		t.Errorf("Conflict body mismatch: %+v", ce)
	}
	if ce.Envelope == nil || ce.Envelope.KeyID != remoteEnv.KeyID {
		t.Error("Conflict did not carry the remote envelope")
	}
}

func TestPutEntityServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok", 5*time.Second)
	if _, err := gw.PutEntity(context.Background(), "e", wireEnvelope(t), 0); !IsTransient(err) {
		t.Fatalf("Expected transient error for 502, got %v", err)
	}
}

func TestPutEntityClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok", 5*time.Second)
	_, err := gw.PutEntity(context.Background(), "e", wireEnvelope(t), 0)

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PermanentError, got %v", err)
	}
	if pe.Status != http.StatusUnprocessableEntity {
		t.Errorf("Wrong status: %d", pe.Status)
	}
}

func TestPutEntityNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	gw := NewHTTPGateway(srv.URL, "tok", time.Second)
	if _, err := gw.PutEntity(context.Background(), "e", wireEnvelope(t), 0); !IsTransient(err) {
		t.Fatalf("Expected transient error for refused connection, got %v", err)
	}
}

func TestPutEntityCancelledContext(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	gw := NewHTTPGateway(srv.URL, "tok", 30*time.Second)
	_, err := gw.PutEntity(ctx, "e", wireEnvelope(t), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if IsTransient(err) {
		t.Error("Cancellation misclassified as transient network failure")
	}
}

func TestDeleteEntity(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok", 5*time.Second)
	if err := gw.DeleteEntity(context.Background(), "entity-1", 4); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/entities/entity-1" {
		t.Errorf("Wrong request: %s %s", gotMethod, gotPath)
	}
}

func TestDeleteEntityIdempotentOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok", 5*time.Second)
	if err := gw.DeleteEntity(context.Background(), "already-gone", 4); err != nil {
		t.Fatalf("Expected 404 delete to succeed, got %v", err)
	}
}
