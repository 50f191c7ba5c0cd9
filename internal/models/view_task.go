package models

import "time"

// ViewTask is the audit record of one allocation round for a post.
type ViewTask struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PostURL        string `gorm:"type:varchar(512);not null;index"` // Target post.
	RequestedCount int    `gorm:"not null"`                         // Views requested by the caller.
	FulfilledCount int    `gorm:"not null"`                         // Accounts actually allocated.
	RequestedBy    string `gorm:"type:varchar(255);not null;index"` // Caller identity.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
