// Package apperr classifies errors so callers can tell validation failures,
// retryable failures and fatal storage failures apart.
package apperr

import (
	"errors"
	"fmt"
)

// Category groups errors by how callers must react to them
type Category string

const (
	CategoryValidation       Category = "validation"
	CategoryTransient        Category = "transient"
	CategoryConflict         Category = "conflict"
	CategoryInsufficientData Category = "insufficient-data"
	CategoryFatal            Category = "fatal"
)

// Error is a categorised error carrying the failing operation
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category and operation name
func New(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// Transient marks err as retryable
func Transient(op string, err error) error {
	return New(CategoryTransient, op, err)
}

// Fatal marks err as non-retryable and surfaced to the caller
func Fatal(op string, err error) error {
	return New(CategoryFatal, op, err)
}

// CategoryOf returns the category of the first categorised error in the chain.
// Uncategorised errors are reported as fatal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryFatal
}

// IsRetryable reports whether err is transient
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == CategoryTransient
}
