package models

import (
	"time"

	"gorm.io/datatypes"
)

// Import batch statuses.
const (
	ImportStatusQueued     = "queued"
	ImportStatusProcessing = "processing"
	ImportStatusCompleted  = "completed"
	ImportStatusFailed     = "failed"
)

// AccountImport tracks one asynchronous bulk account upload.
type AccountImport struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`              // Primary key.
	BatchID     string `gorm:"type:varchar(64);not null;uniqueIndex"` // Public batch handle.
	RequestedBy string `gorm:"type:varchar(255);not null;index"`      // Caller identity.

	TotalCount   int `gorm:"not null;default:0"` // Submitted items.
	CreatedCount int `gorm:"not null;default:0"` // Accounts created.
	FailedCount  int `gorm:"not null;default:0"` // Items that failed.
	SkippedCount int `gorm:"not null;default:0"` // Duplicates skipped.

	Status     string `gorm:"type:varchar(32);not null;default:'queued';index"` // queued|processing|completed|failed.
	Error      string `gorm:"type:text"`                                         // Raw error of a failed batch.
	ClaimToken string `gorm:"type:varchar(64);not null;default:''"`             // Owner of the current processing run.

	Manifest datatypes.JSON `gorm:"type:jsonb"` // Staged blob handles and proxy list.

	StartedAt  *time.Time // Pickup timestamp.
	FinishedAt *time.Time // Terminal timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Terminal reports whether the batch reached a final status.
func (a AccountImport) Terminal() bool {
	return a.Status == ImportStatusCompleted || a.Status == ImportStatusFailed
}
