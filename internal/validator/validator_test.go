package validator_test

import (
	"strings"
	"testing"
	"time"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)

func newTestValidator() *validator.Validator {
	return validator.NewValidator(clock.NewFake(testNow))
}

func validReading() reading.NewReading {
	return reading.NewReading{
		CustomerID: "cust-1",
		MeterID:    "meter-1",
		Value:      decimal.RequireFromString("245.5"),
		Date:       time.Date(2025, 12, 28, 0, 0, 0, 0, time.UTC),
	}
}

func expectField(t *testing.T, err error, field string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected validation error on %s, got nil", field)
	}
	ve, ok := validator.AsValidationError(err)
	if !ok {
		t.Fatalf("Expected ValidationError, got %T: %v", err, err)
	}
	if ve.Field != field {
		t.Errorf("Expected field %s, got %s (%s)", field, ve.Field, ve.Message)
	}
	if apperr.CategoryOf(err) != apperr.CategoryValidation {
		t.Errorf("Expected validation category, got %s", apperr.CategoryOf(err))
	}
}

func TestValidateReading_ValidData(t *testing.T) {
	if err := newTestValidator().ValidateReading(validReading()); err != nil {
		t.Errorf("Expected valid reading, got: %v", err)
	}
}

func TestValidateReading_NegativeValue(t *testing.T) {
	r := validReading()
	r.Value = decimal.RequireFromString("-10.5")

	expectField(t, newTestValidator().ValidateReading(r), "reading_value")
}

func TestValidateReading_ValueLimits(t *testing.T) {
	v := newTestValidator()

	r := validReading()
	r.Value = decimal.RequireFromString("999999999.999")
	if err := v.ValidateReading(r); err != nil {
		t.Errorf("Expected maximum value to be accepted, got: %v", err)
	}

	r.Value = decimal.RequireFromString("1000000000")
	expectField(t, v.ValidateReading(r), "reading_value")

	r.Value = decimal.RequireFromString("12.3456")
	expectField(t, v.ValidateReading(r), "reading_value")
}

func TestValidateReading_DateWindow(t *testing.T) {
	v := newTestValidator()

	r := validReading()
	r.Date = testNow.AddDate(-11, 0, 0)
	expectField(t, v.ValidateReading(r), "reading_date")

	r.Date = testNow.AddDate(2, 0, 0)
	expectField(t, v.ValidateReading(r), "reading_date")

	r.Date = time.Time{}
	expectField(t, v.ValidateReading(r), "reading_date")
}

func TestValidateReading_RequiredIDs(t *testing.T) {
	r := validReading()
	r.CustomerID = " "
	expectField(t, newTestValidator().ValidateReading(r), "customer_id")

	r = validReading()
	r.MeterID = ""
	expectField(t, newTestValidator().ValidateReading(r), "meter_id")
}

func TestValidateReading_NotesLength(t *testing.T) {
	r := validReading()
	r.Notes = strings.Repeat("n", validator.MaxNotesLength)
	if err := newTestValidator().ValidateReading(r); err != nil {
		t.Errorf("Expected notes at the limit to be accepted, got: %v", err)
	}

	r.Notes += "n"
	expectField(t, newTestValidator().ValidateReading(r), "notes")
}

func TestValidateReading_MetadataSize(t *testing.T) {
	r := validReading()
	r.Metadata = map[string]any{"gps": "52.1,4.3", "source": "app"}
	if err := newTestValidator().ValidateReading(r); err != nil {
		t.Errorf("Expected small metadata to be accepted, got: %v", err)
	}

	r.Metadata = map[string]any{"blob": strings.Repeat("x", validator.MaxMetadataBytes)}
	expectField(t, newTestValidator().ValidateReading(r), "metadata")
}

func TestValidateReading_MetadataNotEncodable(t *testing.T) {
	r := validReading()
	r.Metadata = map[string]any{"callback": func() {}}
	expectField(t, newTestValidator().ValidateReading(r), "metadata")
}

func TestParseReading(t *testing.T) {
	r, err := newTestValidator().ParseReading(validator.RawReading{
		CustomerID: "cust-1",
		MeterID:    "meter-1",
		Value:      " 1024.125 ",
		Date:       "01/12/2025",
	})
	if err != nil {
		t.Fatalf("Expected raw reading to parse, got: %v", err)
	}

	if !r.Value.Equal(decimal.RequireFromString("1024.125")) {
		t.Errorf("Expected value 1024.125, got %s", r.Value)
	}
	expectedDate := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	if !r.Date.Equal(expectedDate) {
		t.Errorf("Expected date %v, got %v", expectedDate, r.Date)
	}
}

func TestParseReading_InvalidInput(t *testing.T) {
	v := newTestValidator()

	_, err := v.ParseReading(validator.RawReading{CustomerID: "c", MeterID: "m", Value: "abc", Date: "2025-12-01"})
	expectField(t, err, "reading_value")

	_, err = v.ParseReading(validator.RawReading{CustomerID: "c", MeterID: "m", Value: "10", Date: "yesterday"})
	expectField(t, err, "reading_date")
}
