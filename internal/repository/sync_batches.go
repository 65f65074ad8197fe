package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/metrics"
)

// GetSyncBatch returns the recorded response of a sync batch, or ErrNotFound
func (r *Repository) GetSyncBatch(ctx context.Context, tenantID, idempotencyKey string) (batch *db.SyncBatch, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("select", "sync_batches", start, err) }(time.Now())

	var b db.SyncBatch
	err = r.pool.QueryRow(ctx, `
		SELECT tenant_id, idempotency_key, client_batch_id, response, created_at
		FROM sync_batches
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, idempotencyKey).Scan(&b.TenantID, &b.IdempotencyKey, &b.ClientBatchID, &b.Response, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbError("query sync batch", err)
	}
	return &b, nil
}

// SaveSyncBatch records the response of a processed batch. A batch key that
// is already recorded keeps its first response and saved is false.
func (r *Repository) SaveSyncBatch(ctx context.Context, batch *db.SyncBatch) (saved bool, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("insert", "sync_batches", start, err) }(time.Now())

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO sync_batches (tenant_id, idempotency_key, client_batch_id, response)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, batch.TenantID, batch.IdempotencyKey, batch.ClientBatchID, batch.Response)
	if err != nil {
		return false, dbError("insert sync batch", err)
	}
	return tag.RowsAffected() == 1, nil
}
