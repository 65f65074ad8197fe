package offline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts Options) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(testNow)
	store, err := Open(filepath.Join(t.TempDir(), "queue.db"), fake, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, fake
}

func newRequest(meter, value, key string) EnqueueRequest {
	return EnqueueRequest{
		TenantID: "tenant-1",
		Reading: reading.NewReading{
			CustomerID:     "cust-1",
			MeterID:        meter,
			Value:          decimal.RequireFromString(value),
			Date:           time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
			IdempotencyKey: key,
			Metadata:       map[string]any{"gps": "52.1,4.3"},
		},
	}
}

func TestEnqueue_IdempotentOnKey(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	first, err := store.Enqueue(ctx, newRequest("meter-1", "1024.5", "key-1"))
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, newRequest("meter-1", "1024.5", "key-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stats, err := store.Statistics(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestEnqueue_GeneratesKeyAndRoundTripsReading(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	clientID, err := store.Enqueue(ctx, newRequest("meter-1", "0.125", ""))
	require.NoError(t, err)

	item, err := store.Get(ctx, clientID)
	require.NoError(t, err)
	assert.NotEmpty(t, item.IdempotencyKey)
	assert.True(t, item.Reading.Value.Equal(decimal.RequireFromString("0.125")))
	assert.Equal(t, "52.1,4.3", item.Reading.Metadata["gps"])
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, PriorityNormal, item.Priority)
	assert.True(t, item.CreatedAt.Equal(testNow))
}

func TestEnqueue_RejectsInvalidReading(t *testing.T) {
	store, _ := newTestStore(t, Options{})

	_, err := store.Enqueue(context.Background(), newRequest("meter-1", "-1", ""))

	require.Error(t, err)
	_, ok := validator.AsValidationError(err)
	assert.True(t, ok)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
}

func TestEnqueue_RejectsOversizedMetadata(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	req := newRequest("meter-1", "10", "")
	req.Reading.Metadata = map[string]any{"blob": strings.Repeat("x", validator.MaxMetadataBytes)}

	_, err := store.Enqueue(context.Background(), req)

	require.Error(t, err)
	ve, ok := validator.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "metadata", ve.Field)

	pending, err := store.ListPending(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueue_QuotaExceeded(t *testing.T) {
	store, _ := newTestStore(t, Options{MaxItems: 1, MaxPhotoBytes: 4})
	ctx := context.Background()

	_, err := store.Enqueue(ctx, newRequest("meter-1", "1", ""))
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, newRequest("meter-2", "1", ""))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, apperr.CategoryFatal, apperr.CategoryOf(err))
	_, isValidation := validator.AsValidationError(err)
	assert.False(t, isValidation)

	req := newRequest("meter-3", "1", "")
	req.Photo = &Photo{Content: []byte("too large"), MimeType: "image/jpeg"}
	_, err = store.Enqueue(ctx, req)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestListPending_PriorityThenEnqueueOrder(t *testing.T) {
	store, fake := newTestStore(t, Options{})
	ctx := context.Background()

	a, err := store.Enqueue(ctx, newRequest("meter-a", "1", ""))
	require.NoError(t, err)
	fake.Advance(time.Minute)
	b, err := store.Enqueue(ctx, newRequest("meter-b", "1", ""))
	require.NoError(t, err)
	fake.Advance(time.Minute)
	high := newRequest("meter-c", "1", "")
	high.Priority = PriorityHigh
	c, err := store.Enqueue(ctx, high)
	require.NoError(t, err)

	other := newRequest("meter-d", "1", "")
	other.TenantID = "tenant-2"
	_, err = store.Enqueue(ctx, other)
	require.NoError(t, err)

	items, err := store.ListPending(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{c, a, b}, []string{items[0].ClientID, items[1].ClientID, items[2].ClientID})
}

func TestMarkSynced_DeletesPhoto(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	req := newRequest("meter-1", "10", "")
	req.Photo = &Photo{Content: []byte{0xff, 0xd8, 0xff}, MimeType: "image/jpeg"}
	clientID, err := store.Enqueue(ctx, req)
	require.NoError(t, err)

	item, err := store.Get(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, item.PhotoID)
	photo, err := store.Photo(ctx, *item.PhotoID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), photo.Size)

	require.NoError(t, store.MarkSynced(ctx, clientID, "server-1"))

	_, err = store.Photo(ctx, *item.PhotoID)
	assert.True(t, errors.Is(err, ErrNotFound))

	synced, err := store.Get(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, synced.Status)
	assert.Equal(t, "server-1", *synced.ServerID)
	assert.Nil(t, synced.PhotoID)

	pending, err := store.ListPending(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIncrementAttemptAndMarkFailed(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	clientID, err := store.Enqueue(ctx, newRequest("meter-1", "10", ""))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		attempts, err := store.IncrementAttempt(ctx, clientID, "server returned 503")
		require.NoError(t, err)
		assert.Equal(t, want, attempts)
	}
	require.NoError(t, store.MarkFailed(ctx, clientID, "server returned 503"))

	stats, err := store.Statistics(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, "server returned 503", stats.LastError)
	require.NotNil(t, stats.LastSyncAttempt)

	pending, err := store.ListPending(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "failed readings are not retried automatically")

	require.NoError(t, store.Resubmit(ctx, clientID))
	item, err := store.Get(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Zero(t, item.SyncAttempts)
}

func TestIncrementAttempt_UnknownClient(t *testing.T) {
	store, _ := newTestStore(t, Options{})

	_, err := store.IncrementAttempt(context.Background(), "missing", "boom")

	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDelete_CascadesPhoto(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	req := newRequest("meter-1", "10", "")
	req.Photo = &Photo{Content: []byte("img"), MimeType: "image/png"}
	clientID, err := store.Enqueue(ctx, req)
	require.NoError(t, err)
	item, err := store.Get(ctx, clientID)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, clientID))

	_, err = store.Get(ctx, clientID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Photo(ctx, *item.PhotoID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStatistics_OldestPending(t *testing.T) {
	store, fake := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := store.Enqueue(ctx, newRequest("meter-1", "10", ""))
	require.NoError(t, err)
	fake.Advance(time.Hour)
	_, err = store.Enqueue(ctx, newRequest("meter-2", "10", ""))
	require.NoError(t, err)

	stats, err := store.Statistics(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	require.NotNil(t, stats.OldestPending)
	assert.True(t, stats.OldestPending.Equal(testNow))
	assert.Nil(t, stats.LastSyncAttempt)
}

func TestCleanupSynced_RespectsRetention(t *testing.T) {
	store, fake := newTestStore(t, Options{})
	ctx := context.Background()

	old, err := store.Enqueue(ctx, newRequest("meter-1", "10", ""))
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, old, "server-1"))

	fake.Advance(6 * 24 * time.Hour)
	recent, err := store.Enqueue(ctx, newRequest("meter-2", "10", ""))
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, recent, "server-2"))

	fake.Advance(2 * 24 * time.Hour)
	deleted, err := store.CleanupSynced(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, old)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, recent)
	assert.NoError(t, err)
}

func TestResubmit_SyncedReadingRejected(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	clientID, err := store.Enqueue(ctx, newRequest("meter-1", "10", ""))
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, clientID, ""))

	err = store.Resubmit(ctx, clientID)

	assert.True(t, errors.Is(err, ErrAlreadySynced))
}
