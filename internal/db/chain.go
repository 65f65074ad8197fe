package db

import (
	"context"
	"time"
)

// ChainStore reads and writes one meter's readings inside a transaction that
// holds the meter's lock
type ChainStore interface {
	PreviousReading(ctx context.Context, tenantID, customerID, meterID string, before time.Time) (*Reading, error)
	InsertReading(ctx context.Context, rd *Reading) (*Reading, bool, error)
}
