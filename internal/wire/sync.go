// Package wire defines the JSON contract of the reading sync endpoint shared
// by the sync agent and the worker API.
package wire

import "time"

// SyncPath is the batch upload route
const SyncPath = "/readings/sync"

// Headers of the sync request
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTenantID       = "X-Tenant-ID"
)

// SyncRequest is one uploaded batch
type SyncRequest struct {
	ClientBatchID string     `json:"clientBatchId"`
	Items         []SyncItem `json:"items"`
}

// SyncItem is one queued reading in a batch
type SyncItem struct {
	ClientID       string         `json:"clientId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	CustomerID     string         `json:"customerId"`
	MeterID        string         `json:"meterId"`
	ReadingValue   string         `json:"readingValue"`
	ReadingDate    string         `json:"readingDate"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PhotoData      []byte         `json:"photoData,omitempty"`
	PhotoMimeType  string         `json:"photoMimeType,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// SyncResponse is the server's answer to a batch
type SyncResponse struct {
	ClientBatchID string           `json:"clientBatchId"`
	Success       bool             `json:"success"`
	Results       []SyncItemResult `json:"results"`
}

// SyncItemResult is the outcome of one item. Status carries an HTTP-style
// code for item-level conflicts (409).
type SyncItemResult struct {
	ClientID string `json:"clientId"`
	Success  bool   `json:"success"`
	ServerID string `json:"serverId,omitempty"`
	Error    string `json:"error,omitempty"`
	Status   int    `json:"status,omitempty"`
}
