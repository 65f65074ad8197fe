// Package reading holds the reading types shared by the offline queue, the
// sync transport and the server-side processor.
package reading

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading sources
const (
	SourceManual  = "manual"
	SourceBulk    = "bulk"
	SourceOffline = "offline"
	SourceImport  = "import"
	SourceAPI     = "api"
)

// ValidSource reports whether s is a known reading source
func ValidSource(s string) bool {
	switch s {
	case SourceManual, SourceBulk, SourceOffline, SourceImport, SourceAPI:
		return true
	default:
		return false
	}
}

// NewReading is a meter reading as captured, before consumption is derived
type NewReading struct {
	CustomerID     string
	MeterID        string
	Value          decimal.Decimal
	Date           time.Time
	Notes          string
	IdempotencyKey string
	Metadata       map[string]any
}

// MeterKey identifies the reading chain of one customer meter
func (r NewReading) MeterKey() string {
	return r.CustomerID + "/" + r.MeterID
}
