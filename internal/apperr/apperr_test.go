package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"transient", Transient("upload", base), CategoryTransient},
		{"wrapped transient", fmt.Errorf("sync pass: %w", Transient("upload", base)), CategoryTransient},
		{"validation", New(CategoryValidation, "enqueue", base), CategoryValidation},
		{"plain error is fatal", base, CategoryFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("upload", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(Fatal("open", errors.New("disk full"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	err := Fatal("open", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "fatal: open: context canceled", err.Error())
	assert.Nil(t, New(CategoryFatal, "noop", nil))
}
