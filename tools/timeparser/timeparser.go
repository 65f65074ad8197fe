package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical reading date format
const DateLayout = "2006-01-02"

// ParseReadingDate attempts to parse a reading date with multiple formats
func ParseReadingDate(dateStr string) (time.Time, error) {
	formats := []string{
		DateLayout,   // YYYY-MM-DD
		"02/01/2006", // DD/MM/YYYY
		time.RFC3339, // Standard RFC3339
	}

	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse reading date '%s': %w", dateStr, lastErr)
}

// FormatReadingDate renders t in the canonical reading date format
func FormatReadingDate(t time.Time) string {
	return t.Format(DateLayout)
}

// IsWithinWindow checks if date lies between now minus pastYears and now plus futureYears
func IsWithinWindow(date, now time.Time, pastYears, futureYears int) bool {
	earliest := now.AddDate(-pastYears, 0, 0)
	latest := now.AddDate(futureYears, 0, 0)
	return !date.Before(earliest) && !date.After(latest)
}
