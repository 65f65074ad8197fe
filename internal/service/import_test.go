package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const importBody = `{
	"request_id": "req-42",
	"tenant_id": "tenant-a",
	"readings": [
		{"customer_id": "cust-1", "meter_id": "meter-1", "reading_value": "1200", "reading_date": "01/02/2024"},
		{"customer_id": "cust-1", "meter_id": "meter-1", "reading_value": "1000", "reading_date": "2024-01-01"},
		{"customer_id": "cust-2", "meter_id": "meter-9", "reading_value": "abc", "reading_date": "2024-01-01"}
	]
}`

func TestProcessImport(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.ProcessImport(context.Background(), []byte(importBody))
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Accepted: 2, Rejected: 1}, summary)

	require.Len(t, f.store.rows, 2)
	feb := f.store.rows[1]
	if feb.ReadingDate.Month() != time.February {
		feb = f.store.rows[0]
	}
	assert.Equal(t, reading.SourceImport, feb.Source)
	require.NotNil(t, feb.Consumption)
	assert.True(t, feb.Consumption.Equal(decimal.NewFromInt(200)))
	require.NotNil(t, feb.IdempotencyKey)
	assert.Equal(t, "import:req-42:0", *feb.IdempotencyKey)
}

func TestProcessImportRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessImport(context.Background(), []byte(importBody))
	require.NoError(t, err)
	summary, err := f.svc.ProcessImport(context.Background(), []byte(importBody))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Duplicates)
	assert.Len(t, f.store.rows, 2)
	assert.Len(t, f.publisher.events, 2)
}

func TestProcessMessageErrors(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ProcessMessage(context.Background(), []byte(`{not json`))
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	err = f.svc.ProcessMessage(context.Background(), []byte(`{"readings": []}`))
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	f.store.insertErr = apperr.Transient("insert reading", errors.New("connection reset"))
	err = f.svc.ProcessMessage(context.Background(), []byte(importBody))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}
