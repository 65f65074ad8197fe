// Package offline is the durable client-side queue of readings captured
// without connectivity, backed by SQLite through gorm.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultRetention is how long confirmed readings are kept before cleanup
const DefaultRetention = 7 * 24 * time.Hour

var (
	ErrNotFound      = errors.New("queued reading not found")
	ErrQuotaExceeded = errors.New("offline storage quota exceeded")
	ErrStorage       = errors.New("offline storage failure")
	ErrCorruptRecord = errors.New("corrupt queued reading")
	ErrAlreadySynced = errors.New("queued reading already synced")
)

// Options limits what the queue accepts. Zero values mean unlimited.
type Options struct {
	MaxItems      int64
	MaxPhotoBytes int64
}

// Photo is an image attached to a reading at capture time
type Photo struct {
	Content  []byte
	MimeType string
}

// EnqueueRequest is a reading to store for later sync
type EnqueueRequest struct {
	TenantID string
	Reading  reading.NewReading
	Priority Priority
	Photo    *Photo
}

// Item is a decoded queued reading
type Item struct {
	Seq             uint
	ClientID        string
	IdempotencyKey  string
	TenantID        string
	Reading         reading.NewReading
	PhotoID         *string
	Priority        Priority
	Status          string
	SyncAttempts    int
	LastSyncAttempt *time.Time
	LastSyncError   string
	ServerID        *string
	SyncedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Statistics summarises the queue of one tenant
type Statistics struct {
	Total           int64
	Pending         int64
	Synced          int64
	Failed          int64
	OldestPending   *time.Time
	LastSyncAttempt *time.Time
	LastError       string
}

// Store is the SQLite-backed offline queue
type Store struct {
	db        *gorm.DB
	clock     clock.Clock
	validator *validator.Validator
	options   Options
	logger    *zap.Logger
}

// Open opens (and migrates) the queue database at path
func Open(path string, c clock.Clock, options Options, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return c.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access offline queue handle: %w", err)
	}
	// SQLite allows one writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&QueuedReading{}, &PhotoBlob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate offline queue: %w", err)
	}

	return &Store{
		db:        db,
		clock:     c,
		validator: validator.NewValidator(c),
		options:   options,
		logger:    log,
	}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// storageError maps driver errors to the queue's fatal error kinds
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrAlreadySynced) {
		return apperr.Fatal(op, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Fatal(op, ErrNotFound)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "sqlite_full") {
		return apperr.Fatal(op, fmt.Errorf("%w: %v", ErrQuotaExceeded, err))
	}
	return apperr.Fatal(op, fmt.Errorf("%w: %v", ErrStorage, err))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// Enqueue validates and stores a reading. Enqueueing the same idempotency
// key twice returns the existing client id without creating a row.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := s.validator.ValidateReading(req.Reading); err != nil {
		return "", err
	}

	key := req.Reading.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	if existing, err := s.findByKey(ctx, key); err == nil {
		return existing.ClientID, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", storageError("offline enqueue", err)
	}

	if req.Photo != nil && s.options.MaxPhotoBytes > 0 && int64(len(req.Photo.Content)) > s.options.MaxPhotoBytes {
		return "", storageError("offline enqueue", fmt.Errorf("%w: photo of %d bytes exceeds %d", ErrQuotaExceeded, len(req.Photo.Content), s.options.MaxPhotoBytes))
	}

	metadata := "{}"
	if len(req.Reading.Metadata) > 0 {
		b, err := json.Marshal(req.Reading.Metadata)
		if err != nil {
			return "", apperr.New(apperr.CategoryValidation, "offline enqueue", &validator.ValidationError{Field: "metadata", Message: err.Error()})
		}
		metadata = string(b)
	}

	priority := req.Priority
	if priority != PriorityHigh {
		priority = PriorityNormal
	}

	row := QueuedReading{
		ClientID:       uuid.NewString(),
		IdempotencyKey: key,
		TenantID:       req.TenantID,
		CustomerID:     req.Reading.CustomerID,
		MeterID:        req.Reading.MeterID,
		ReadingValue:   req.Reading.Value.String(),
		ReadingDate:    req.Reading.Date.UTC(),
		Notes:          req.Reading.Notes,
		Metadata:       metadata,
		Priority:       string(priority),
		PriorityRank:   priority.rank(),
		Status:         StatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.options.MaxItems > 0 {
			var count int64
			if err := tx.Model(&QueuedReading{}).Where("status <> ?", StatusSynced).Count(&count).Error; err != nil {
				return err
			}
			if count >= s.options.MaxItems {
				return fmt.Errorf("%w: %d unsynced readings", ErrQuotaExceeded, count)
			}
		}

		if req.Photo != nil {
			photo := PhotoBlob{
				ID:       uuid.NewString(),
				Content:  req.Photo.Content,
				MimeType: req.Photo.MimeType,
				Size:     int64(len(req.Photo.Content)),
			}
			if err := tx.Create(&photo).Error; err != nil {
				return err
			}
			row.PhotoID = &photo.ID
		}

		return tx.Create(&row).Error
	})
	if isUniqueViolation(err) {
		// lost a race with a concurrent enqueue of the same key
		if existing, findErr := s.findByKey(ctx, key); findErr == nil {
			return existing.ClientID, nil
		}
	}
	if err != nil {
		return "", storageError("offline enqueue", err)
	}

	s.logger.Debug("reading queued",
		zap.String("client_id", row.ClientID),
		zap.String("tenant_id", row.TenantID),
		zap.String("meter_id", row.MeterID),
		zap.String("priority", row.Priority))

	return row.ClientID, nil
}

func (s *Store) findByKey(ctx context.Context, key string) (*QueuedReading, error) {
	var row QueuedReading
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) find(ctx context.Context, clientID string) (*QueuedReading, error) {
	var row QueuedReading
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func decode(row QueuedReading) (Item, error) {
	value, err := decimal.NewFromString(row.ReadingValue)
	if err != nil {
		return Item{}, fmt.Errorf("%w: client %s reading value %q", ErrCorruptRecord, row.ClientID, row.ReadingValue)
	}

	var metadata map[string]any
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return Item{}, fmt.Errorf("%w: client %s metadata: %v", ErrCorruptRecord, row.ClientID, err)
		}
	}

	return Item{
		Seq:            row.ID,
		ClientID:       row.ClientID,
		IdempotencyKey: row.IdempotencyKey,
		TenantID:       row.TenantID,
		Reading: reading.NewReading{
			CustomerID:     row.CustomerID,
			MeterID:        row.MeterID,
			Value:          value,
			Date:           row.ReadingDate.UTC(),
			Notes:          row.Notes,
			IdempotencyKey: row.IdempotencyKey,
			Metadata:       metadata,
		},
		PhotoID:         row.PhotoID,
		Priority:        Priority(row.Priority),
		Status:          row.Status,
		SyncAttempts:    row.SyncAttempts,
		LastSyncAttempt: row.LastSyncAttempt,
		LastSyncError:   row.LastSyncError,
		ServerID:        row.ServerID,
		SyncedAt:        row.SyncedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// Get returns one queued reading
func (s *Store) Get(ctx context.Context, clientID string) (*Item, error) {
	row, err := s.find(ctx, clientID)
	if err != nil {
		return nil, storageError("offline get", err)
	}
	item, err := decode(*row)
	if err != nil {
		return nil, storageError("offline get", err)
	}
	return &item, nil
}

// ListPending returns the tenant's pending readings, high priority first and
// then in enqueue order. Rows that cannot be decoded are marked failed and
// left out.
func (s *Store) ListPending(ctx context.Context, tenantID string) ([]Item, error) {
	var rows []QueuedReading
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, StatusPending).
		Order("priority_rank asc, created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, storageError("offline list pending", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := decode(row)
		if err != nil {
			s.logger.Error("corrupt queued reading", zap.String("client_id", row.ClientID), zap.Error(err))
			if markErr := s.MarkFailed(ctx, row.ClientID, err.Error()); markErr != nil {
				return nil, markErr
			}
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkSynced records server confirmation and drops the attached photo
func (s *Store) MarkSynced(ctx context.Context, clientID, serverID string) error {
	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row QueuedReading
		if err := tx.Where("client_id = ?", clientID).First(&row).Error; err != nil {
			return err
		}
		if row.PhotoID != nil {
			if err := tx.Where("id = ?", *row.PhotoID).Delete(&PhotoBlob{}).Error; err != nil {
				return err
			}
		}
		updates := map[string]any{
			"status":          StatusSynced,
			"synced_at":       &now,
			"last_sync_error": "",
			"photo_id":        nil,
		}
		if serverID != "" {
			updates["server_id"] = serverID
		}
		return tx.Model(&QueuedReading{}).Where("id = ?", row.ID).Updates(updates).Error
	})
	return storageError("offline mark synced", err)
}

// IncrementAttempt records a failed sync attempt and returns the new attempt count
func (s *Store) IncrementAttempt(ctx context.Context, clientID, errMsg string) (int, error) {
	now := s.clock.Now().UTC()
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&QueuedReading{}).
			Where("client_id = ?", clientID).
			Updates(map[string]any{
				"sync_attempts":     gorm.Expr("sync_attempts + 1"),
				"last_sync_attempt": &now,
				"last_sync_error":   errMsg,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		var row QueuedReading
		if err := tx.Select("sync_attempts").Where("client_id = ?", clientID).First(&row).Error; err != nil {
			return err
		}
		attempts = row.SyncAttempts
		return nil
	})
	if err != nil {
		return 0, storageError("offline increment attempt", err)
	}
	return attempts, nil
}

func (s *Store) updateStatus(ctx context.Context, op, clientID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&QueuedReading{}).Where("client_id = ?", clientID).Updates(updates)
	if res.Error != nil {
		return storageError(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return storageError(op, ErrNotFound)
	}
	return nil
}

// MarkFailed moves a reading to the terminal failed state
func (s *Store) MarkFailed(ctx context.Context, clientID, errMsg string) error {
	now := s.clock.Now().UTC()
	return s.updateStatus(ctx, "offline mark failed", clientID, map[string]any{
		"status":            StatusFailed,
		"last_sync_error":   errMsg,
		"last_sync_attempt": &now,
	})
}

// Resubmit moves a failed reading back to pending with a fresh retry budget
func (s *Store) Resubmit(ctx context.Context, clientID string) error {
	row, err := s.find(ctx, clientID)
	if err != nil {
		return storageError("offline resubmit", err)
	}
	if row.Status == StatusSynced {
		return storageError("offline resubmit", ErrAlreadySynced)
	}
	return s.updateStatus(ctx, "offline resubmit", clientID, map[string]any{
		"status":          StatusPending,
		"sync_attempts":   0,
		"last_sync_error": "",
	})
}

// Delete removes a reading and its photo
func (s *Store) Delete(ctx context.Context, clientID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row QueuedReading
		if err := tx.Where("client_id = ?", clientID).First(&row).Error; err != nil {
			return err
		}
		if row.PhotoID != nil {
			if err := tx.Where("id = ?", *row.PhotoID).Delete(&PhotoBlob{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&row).Error
	})
	return storageError("offline delete", err)
}

// Photo returns a stored photo
func (s *Store) Photo(ctx context.Context, photoID string) (*PhotoBlob, error) {
	var photo PhotoBlob
	if err := s.db.WithContext(ctx).Where("id = ?", photoID).First(&photo).Error; err != nil {
		return nil, storageError("offline photo", err)
	}
	return &photo, nil
}

// Statistics summarises the tenant's queue
func (s *Store) Statistics(ctx context.Context, tenantID string) (Statistics, error) {
	var stats Statistics
	db := s.db.WithContext(ctx)

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := db.Model(&QueuedReading{}).
		Select("status, count(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return stats, storageError("offline statistics", err)
	}
	for _, c := range counts {
		stats.Total += c.Count
		switch c.Status {
		case StatusPending:
			stats.Pending = c.Count
		case StatusSynced:
			stats.Synced = c.Count
		case StatusFailed:
			stats.Failed = c.Count
		}
	}

	var oldest QueuedReading
	err = db.Where("tenant_id = ? AND status = ?", tenantID, StatusPending).Order("created_at asc, id asc").Limit(1).Find(&oldest).Error
	if err != nil {
		return stats, storageError("offline statistics", err)
	}
	if oldest.ID != 0 {
		created := oldest.CreatedAt
		stats.OldestPending = &created
	}

	var last QueuedReading
	err = db.Where("tenant_id = ? AND last_sync_attempt IS NOT NULL", tenantID).Order("last_sync_attempt desc").Limit(1).Find(&last).Error
	if err != nil {
		return stats, storageError("offline statistics", err)
	}
	if last.ID != 0 {
		stats.LastSyncAttempt = last.LastSyncAttempt
		stats.LastError = last.LastSyncError
	}

	return stats, nil
}

// CleanupSynced deletes readings confirmed longer than retention ago
func (s *Store) CleanupSynced(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.clock.Now().UTC().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("status = ? AND synced_at < ?", StatusSynced, cutoff).
		Delete(&QueuedReading{})
	if res.Error != nil {
		return 0, storageError("offline cleanup", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("cleaned up synced readings", zap.Int64("deleted", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}
