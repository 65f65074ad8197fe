package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/tools/timeparser"
	"github.com/shopspring/decimal"
)

// Reading limits
const (
	MaxDecimalPlaces = 3
	MaxNotesLength   = 500
	MaxMetadataBytes = 16 << 10
	PastYears        = 10
	FutureYears      = 1
)

// MaxReadingValue is the largest register value accepted
var MaxReadingValue = decimal.RequireFromString("999999999.999")

// ValidationError describes the first field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AsValidationError extracts the ValidationError from err, if any
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// RawReading is a reading whose value and date are still text, as received
// from bulk imports
type RawReading struct {
	CustomerID string
	MeterID    string
	Value      string
	Date       string
	Notes      string
}

// Validator checks readings against the capture rules
type Validator struct {
	clock clock.Clock
}

// NewValidator creates a new validator using c as the reference for date windows
func NewValidator(c clock.Clock) *Validator {
	return &Validator{clock: c}
}

func invalid(field, format string, args ...any) error {
	return apperr.New(apperr.CategoryValidation, "validate reading",
		&ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateReading validates a single reading. The returned error wraps a
// *ValidationError and is categorised as a validation error.
func (v *Validator) ValidateReading(r reading.NewReading) error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return invalid("customer_id", "is required")
	}
	if strings.TrimSpace(r.MeterID) == "" {
		return invalid("meter_id", "is required")
	}

	if r.Value.IsNegative() {
		return invalid("reading_value", "must not be negative")
	}
	if r.Value.GreaterThan(MaxReadingValue) {
		return invalid("reading_value", "must not exceed %s", MaxReadingValue.String())
	}
	if !r.Value.Equal(r.Value.Truncate(MaxDecimalPlaces)) {
		return invalid("reading_value", "must have at most %d decimal places", MaxDecimalPlaces)
	}

	if r.Date.IsZero() {
		return invalid("reading_date", "is required")
	}
	if !timeparser.IsWithinWindow(r.Date, v.clock.Now(), PastYears, FutureYears) {
		return invalid("reading_date", "must be within %d years in the past and %d year in the future", PastYears, FutureYears)
	}

	if utf8.RuneCountInString(r.Notes) > MaxNotesLength {
		return invalid("notes", "must be at most %d characters", MaxNotesLength)
	}

	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return invalid("metadata", "must be JSON encodable: %v", err)
		}
		if len(b) > MaxMetadataBytes {
			return invalid("metadata", "must encode to at most %d bytes, got %d", MaxMetadataBytes, len(b))
		}
	}

	return nil
}

// ParseReading parses and validates a raw reading
func (v *Validator) ParseReading(raw RawReading) (reading.NewReading, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw.Value))
	if err != nil {
		return reading.NewReading{}, invalid("reading_value", "invalid number %q", raw.Value)
	}

	date, err := timeparser.ParseReadingDate(raw.Date)
	if err != nil {
		return reading.NewReading{}, invalid("reading_date", "invalid date format: %v", err)
	}

	r := reading.NewReading{
		CustomerID: raw.CustomerID,
		MeterID:    raw.MeterID,
		Value:      value,
		Date:       date,
		Notes:      raw.Notes,
	}
	if err := v.ValidateReading(r); err != nil {
		return reading.NewReading{}, err
	}
	return r, nil
}
