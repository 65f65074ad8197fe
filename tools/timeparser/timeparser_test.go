package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/meter-reconciliation/tools/timeparser"
)

func TestParseReadingDate_ISODate(t *testing.T) {
	result, err := timeparser.ParseReadingDate("2025-12-29")
	if err != nil {
		t.Fatalf("Failed to parse date: %v", err)
	}

	expected := time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseReadingDate_DayMonthYear(t *testing.T) {
	result, err := timeparser.ParseReadingDate("29/12/2025")
	if err != nil {
		t.Fatalf("Failed to parse date: %v", err)
	}

	expected := time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseReadingDate_RFC3339(t *testing.T) {
	result, err := timeparser.ParseReadingDate("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("Failed to parse date: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseReadingDate_InvalidFormat(t *testing.T) {
	_, err := timeparser.ParseReadingDate("12-29-2025")
	if err == nil {
		t.Error("Expected error for invalid format")
	}
}

func TestFormatReadingDate(t *testing.T) {
	got := timeparser.FormatReadingDate(time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC))
	if got != "2024-02-01" {
		t.Errorf("Expected 2024-02-01, got %s", got)
	}
}

func TestIsWithinWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		date     time.Time
		expected bool
	}{
		{"today", now, true},
		{"exactly ten years ago", now.AddDate(-10, 0, 0), true},
		{"older than ten years", now.AddDate(-10, 0, -1), false},
		{"exactly one year ahead", now.AddDate(1, 0, 0), true},
		{"more than one year ahead", now.AddDate(1, 0, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := timeparser.IsWithinWindow(tt.date, now, 10, 1)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}
