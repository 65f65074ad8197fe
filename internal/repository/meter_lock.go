package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/metrics"
)

// meterTx is the ChainStore of one locked transaction
type meterTx struct {
	r  *Repository
	tx pgx.Tx
}

func (m meterTx) PreviousReading(ctx context.Context, tenantID, customerID, meterID string, before time.Time) (*db.Reading, error) {
	return m.r.PreviousReadingTx(ctx, m.tx, tenantID, customerID, meterID, before)
}

func (m meterTx) InsertReading(ctx context.Context, rd *db.Reading) (*db.Reading, bool, error) {
	return m.r.InsertReadingTx(ctx, m.tx, rd)
}

// meterLockKey is hashed into the advisory lock id
func meterLockKey(tenantID, customerID, meterID string) string {
	return tenantID + "\x00" + customerID + "\x00" + meterID
}

// WithMeterLock runs fn in a transaction holding a transaction-scoped
// advisory lock on the customer meter, so chains of the same meter are
// serialised across worker processes. The transaction commits when fn
// returns nil and rolls back otherwise.
func (r *Repository) WithMeterLock(ctx context.Context, tenantID, customerID, meterID string, fn func(ctx context.Context, tx db.ChainStore) error) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	// no-op once committed
	defer tx.Rollback(ctx)

	start := time.Now()
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, meterLockKey(tenantID, customerID, meterID))
	metrics.RecordDBQuery("advisory_lock", "meter_readings", start, err)
	if err != nil {
		return dbError("lock meter", err)
	}

	if err = fn(ctx, meterTx{r: r, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return dbError("commit meter transaction", err)
	}
	return nil
}
