package offline

import "time"

// Queue statuses
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Priority orders pending readings within a sync pass
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// QueuedReading is the durable row of a reading awaiting sync
type QueuedReading struct {
	ID              uint   `gorm:"primaryKey"`
	ClientID        string `gorm:"uniqueIndex;size:36"`
	IdempotencyKey  string `gorm:"uniqueIndex;size:64"`
	TenantID        string `gorm:"index;size:64"`
	CustomerID      string `gorm:"size:64"`
	MeterID         string `gorm:"size:64"`
	ReadingValue    string `gorm:"size:32"` // decimal text
	ReadingDate     time.Time
	Notes           string  `gorm:"type:text"`
	Metadata        string  `gorm:"type:text"` // JSON object
	PhotoID         *string `gorm:"size:36"`
	Priority        string  `gorm:"size:8"`
	PriorityRank    int     `gorm:"index"`
	Status          string  `gorm:"index;size:16"`
	SyncAttempts    int
	LastSyncAttempt *time.Time
	LastSyncError   string     `gorm:"type:text"`
	ServerID        *string    `gorm:"size:36"`
	SyncedAt        *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"index"`
	UpdatedAt       time.Time
}

// PhotoBlob is an optional photo attached to a queued reading
type PhotoBlob struct {
	ID        string `gorm:"primaryKey;size:36"`
	Content   []byte
	MimeType  string `gorm:"size:64"`
	Size      int64
	CreatedAt time.Time
}
