package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reading represents a persisted meter reading in the database
type Reading struct {
	ID                uuid.UUID
	TenantID          string
	CustomerID        string
	MeterID           string
	ReadingValue      decimal.Decimal
	ReadingDate       time.Time
	PreviousReadingID *uuid.UUID
	Consumption       *decimal.Decimal
	DaysBetween       *int
	AnomalyFlag       *string
	Source            string
	IdempotencyKey    *string
	Notes             *string
	Metadata          []byte
	CreatedAt         time.Time
}

// AnomalyRule represents a tenant anomaly rule row. Parameters holds the JSON
// encoding of the rule type's parameter struct.
type AnomalyRule struct {
	ID         uuid.UUID
	TenantID   string
	Name       string
	RuleType   string
	Severity   string
	Parameters []byte
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SyncBatch records the response sent for a client sync batch so a replayed
// batch key can be answered without reprocessing
type SyncBatch struct {
	TenantID       string
	IdempotencyKey string
	ClientBatchID  string
	Response       []byte
	CreatedAt      time.Time
}
