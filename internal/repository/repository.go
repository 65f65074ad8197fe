package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, dbError("begin transaction", err)
	}
	return tx, nil
}

// dbError marks connectivity failures as transient and everything else as fatal
func dbError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperr.Fatal(op, err)
	}
	return apperr.Transient(op, err)
}

const readingColumns = `
	id, tenant_id, customer_id, meter_id, reading_value::text, reading_date,
	previous_reading_id, consumption::text, days_between, anomaly_flag, source,
	idempotency_key, notes, metadata, created_at`

func scanReading(row pgx.Row) (*db.Reading, error) {
	var (
		rd          db.Reading
		value       string
		consumption *string
	)
	err := row.Scan(
		&rd.ID,
		&rd.TenantID,
		&rd.CustomerID,
		&rd.MeterID,
		&value,
		&rd.ReadingDate,
		&rd.PreviousReadingID,
		&consumption,
		&rd.DaysBetween,
		&rd.AnomalyFlag,
		&rd.Source,
		&rd.IdempotencyKey,
		&rd.Notes,
		&rd.Metadata,
		&rd.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rd.ReadingValue, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("failed to parse reading_value %q: %w", value, err)
	}
	if rd.Consumption, err = parseNullableDecimal(consumption); err != nil {
		return nil, fmt.Errorf("failed to parse consumption: %w", err)
	}
	return &rd, nil
}

func parseNullableDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// PreviousReadingTx returns the latest reading of the customer meter dated
// strictly before the given date. Same-day duplicates resolve to the most
// recently created row. It returns nil when the meter has no earlier reading.
func (r *Repository) PreviousReadingTx(ctx context.Context, tx pgx.Tx, tenantID, customerID, meterID string, before time.Time) (*db.Reading, error) {
	return r.previousReading(ctx, tx, tenantID, customerID, meterID, before)
}

func (r *Repository) previousReading(ctx context.Context, q querier, tenantID, customerID, meterID string, before time.Time) (rd *db.Reading, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("select_previous", "meter_readings", start, err) }(time.Now())

	query := `
		SELECT` + readingColumns + `
		FROM meter_readings
		WHERE tenant_id = $1 AND customer_id = $2 AND meter_id = $3 AND reading_date < $4
		ORDER BY reading_date DESC, created_at DESC
		LIMIT 1
	`
	rd, err = scanReading(q.QueryRow(ctx, query, tenantID, customerID, meterID, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("query previous reading", err)
	}
	return rd, nil
}

// ConsumptionHistory returns the derived consumption of readings dated before
// the given date, most recent first. First readings carry no consumption and
// are skipped.
func (r *Repository) ConsumptionHistory(ctx context.Context, tenantID, customerID, meterID string, before time.Time, limit int) (points []anomaly.HistoryPoint, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("select_history", "meter_readings", start, err) }(time.Now())

	query := `
		SELECT reading_date, consumption::float8, COALESCE(days_between, 1)
		FROM meter_readings
		WHERE tenant_id = $1 AND customer_id = $2 AND meter_id = $3
		  AND reading_date < $4 AND consumption IS NOT NULL
		ORDER BY reading_date DESC, created_at DESC
		LIMIT $5
	`
	rows, err := r.pool.Query(ctx, query, tenantID, customerID, meterID, before, limit)
	if err != nil {
		return nil, dbError("query consumption history", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p anomaly.HistoryPoint
		if err := rows.Scan(&p.ReadingDate, &p.Consumption, &p.DaysBetween); err != nil {
			return nil, fmt.Errorf("failed to scan history point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate consumption history", err)
	}
	return points, nil
}

// InsertReadingTx stores a reading. When a reading with the same tenant and
// idempotency key already exists nothing is written, the stored reading is
// returned and inserted is false.
func (r *Repository) InsertReadingTx(ctx context.Context, tx pgx.Tx, rd *db.Reading) (*db.Reading, bool, error) {
	return r.insertReading(ctx, tx, rd)
}

func (r *Repository) insertReading(ctx context.Context, q querier, rd *db.Reading) (out *db.Reading, inserted bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert", "meter_readings", start, err) }()

	metadata := rd.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO meter_readings (
			tenant_id, customer_id, meter_id, reading_value, reading_date,
			previous_reading_id, consumption, days_between, anomaly_flag, source,
			idempotency_key, notes, metadata
		)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7::text::numeric, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING` + readingColumns

	out, err = scanReading(q.QueryRow(ctx, query,
		rd.TenantID,
		rd.CustomerID,
		rd.MeterID,
		rd.ReadingValue.String(),
		rd.ReadingDate,
		rd.PreviousReadingID,
		nullableDecimalText(rd.Consumption),
		rd.DaysBetween,
		rd.AnomalyFlag,
		rd.Source,
		rd.IdempotencyKey,
		rd.Notes,
		metadata,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || rd.IdempotencyKey == nil {
		return nil, false, dbError("insert reading", err)
	}

	existing, err := r.findByIdempotencyKey(ctx, q, rd.TenantID, *rd.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug("reading already stored for idempotency key",
		zap.String("tenant_id", rd.TenantID),
		zap.String("reading_id", existing.ID.String()),
	)
	return existing, false, nil
}

// FindByIdempotencyKey returns the reading stored under key, or ErrNotFound
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*db.Reading, error) {
	return r.findByIdempotencyKey(ctx, r.pool, tenantID, key)
}

func (r *Repository) findByIdempotencyKey(ctx context.Context, q querier, tenantID, key string) (rd *db.Reading, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("select_idempotency", "meter_readings", start, err) }(time.Now())

	query := `
		SELECT` + readingColumns + `
		FROM meter_readings
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	rd, err = scanReading(q.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbError("query reading by idempotency key", err)
	}
	return rd, nil
}
