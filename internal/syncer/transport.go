package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/wire"
)

// ErrUnauthorized is returned when the server rejects the access token
var ErrUnauthorized = errors.New("sync request unauthorized")

// StatusError is a non-2xx answer from the sync endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// ConflictError is a 409 for an already applied batch. Response holds the
// replayed answer when the server sent a decodable one.
type ConflictError struct {
	Response *wire.SyncResponse
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("server returned %d: batch already applied", http.StatusConflict)
}

// Transport uploads one batch. Errors are categorised: 409 as conflict,
// 5xx and network failures as transient, 401 wraps ErrUnauthorized.
type Transport interface {
	Upload(ctx context.Context, token string, batch wire.SyncRequest) (*wire.SyncResponse, error)
}

// HTTPTransport posts batches to {baseURL}/readings/sync
type HTTPTransport struct {
	client   *http.Client
	baseURL  string
	tenantID string
}

// NewHTTPTransport creates a transport for one tenant
func NewHTTPTransport(client *http.Client, baseURL, tenantID string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		tenantID: tenantID,
	}
}

// Upload sends the batch with its batch id as the Idempotency-Key
func (t *HTTPTransport) Upload(ctx context.Context, token string, batch wire.SyncRequest) (*wire.SyncResponse, error) {
	const op = "sync upload"

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("failed to encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+wire.SyncPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.HeaderIdempotencyKey, batch.ClientBatchID)
	if t.tenantID != "" {
		req.Header.Set(wire.HeaderTenantID, t.tenantID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		conflict := &ConflictError{}
		var replay wire.SyncResponse
		if len(payload) > 0 && json.Unmarshal(payload, &replay) == nil && len(replay.Results) > 0 {
			conflict.Response = &replay
		}
		return nil, apperr.New(apperr.CategoryConflict, op, conflict)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, &StatusError{StatusCode: resp.StatusCode})
	case resp.StatusCode >= 500:
		return nil, apperr.Transient(op, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, apperr.Fatal(op, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))})
	}

	var out wire.SyncResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperr.Transient(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return &out, nil
}
