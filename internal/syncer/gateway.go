package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/AnakAmira/amira-securesync/internal/envelope"
)

// Gateway is the remote API contract the engine depends on. Create/update is
// idempotent by entity id, so redelivering an already-applied operation after
// a crash does not create duplicates.
type Gateway interface {
	// PutEntity creates or updates the entity's envelope. baseVersion is the
	// remote version the local mutation was built on; the server answers
	// with a conflict if its current version is newer.
	PutEntity(ctx context.Context, entityID string, env *envelope.Envelope, baseVersion int64) (remoteVersion int64, err error)
	// DeleteEntity removes the entity. Deleting an already-deleted entity
	// succeeds.
	DeleteEntity(ctx context.Context, entityID string, baseVersion int64) error
}

// TransientError marks failures worth retrying: timeouts, transport faults,
// server errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks client errors the server will keep rejecting. Never
// auto-retried; surfaced to the user.
type PermanentError struct {
	Status int
	Msg    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: status %d: %s", e.Status, e.Msg)
}

// ConflictError carries the server's current state when the remote version
// is newer than the operation's base version. The conflict resolver consumes
// it.
type ConflictError struct {
	RemoteVersion int64
	Deleted       bool
	Envelope      *envelope.Envelope
	ChangedFields []string
	UpdatedAt     time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: remote version %d", e.RemoteVersion)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPGateway talks to the remote REST API.
type HTTPGateway struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPGateway creates a gateway for the given base URL. timeout bounds
// each round trip; context cancellation aborts calls earlier.
func NewHTTPGateway(baseURL, authToken string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type putResponse struct {
	Version int64 `json:"version"`
}

type conflictBody struct {
	Version       int64              `json:"version"`
	Deleted       bool               `json:"deleted"`
	ChangedFields []string           `json:"changedFields"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Envelope      *envelope.Envelope `json:"envelope,omitempty"`
}

func (g *HTTPGateway) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+g.authToken)
	resp, err := g.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are retryable; a cancelled
		// context is not a network fault and propagates as-is.
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

// classify turns a non-2xx response into the engine's error taxonomy.
func classify(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(body, &cb); err != nil {
			return &TransientError{Err: fmt.Errorf("unparseable conflict body: %w", err)}
		}
		return &ConflictError{
			RemoteVersion: cb.Version,
			Deleted:       cb.Deleted,
			Envelope:      cb.Envelope,
			ChangedFields: cb.ChangedFields,
			UpdatedAt:     cb.UpdatedAt,
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server status %d", resp.StatusCode)}
	default:
		return &PermanentError{Status: resp.StatusCode, Msg: string(body)}
	}
}

// PutEntity implements Gateway over PUT /entities/{id}.
func (g *HTTPGateway) PutEntity(ctx context.Context, entityID string, env *envelope.Envelope, baseVersion int64) (int64, error) {
	wire := *env
	wire.ID = entityID
	payload, err := envelope.MarshalWire(&wire)
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		g.baseURL+"/entities/"+entityID, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))

	resp, err := g.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, classify(resp)
	}

	var pr putResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, &TransientError{Err: fmt.Errorf("unparseable success body: %w", err)}
	}
	return pr.Version, nil
}

// DeleteEntity implements Gateway over DELETE /entities/{id}. A 404 counts
// as success: the delete is idempotent and may have landed on a previous,
// unacknowledged attempt.
func (g *HTTPGateway) DeleteEntity(ctx context.Context, entityID string, baseVersion int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		g.baseURL+"/entities/"+entityID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))

	resp, err := g.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return classify(resp)
}
