package models

import (
	"time"

	"gorm.io/datatypes"
)

// Account stores a Telegram session together with its descriptor and bound proxy.
type Account struct {
	ID         uint64  `gorm:"primaryKey;autoIncrement"`     // Primary key.
	ExternalID *string `gorm:"type:varchar(64);uniqueIndex"` // Descriptor derived identifier used for de-duplication.

	SessionData []byte         `gorm:"not null"`            // Opaque session blob.
	JSONData    datatypes.JSON `gorm:"type:jsonb;not null"` // Opaque descriptor payload.

	ProxyID *uint64 `gorm:"index"`              // Bound proxy ID.
	Proxy   *Proxy  `gorm:"foreignKey:ProxyID"` // Bound proxy.

	UsageCount int64      `gorm:"not null;default:0;index:idx_accounts_rotation,priority:2"`                  // Allocation counter, never decremented.
	LastUsedAt *time.Time `gorm:"index:idx_accounts_rotation,priority:3"`                                     // Last allocation timestamp.
	IsActive   bool       `gorm:"type:boolean;not null;default:true;index:idx_accounts_rotation,priority:1"` // Soft-disable flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AccountPostView records that an account was dispatched against a post.
type AccountPostView struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`                                                        // Primary key.
	AccountID uint64 `gorm:"not null;uniqueIndex:idx_account_post_unique,priority:1"`                         // Account ID.
	PostURL   string `gorm:"type:varchar(512);not null;uniqueIndex:idx_account_post_unique,priority:2;index"` // Target post.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// AccountPostReservation holds an account for a post while its dispatch
// rounds are in flight. Rows past ExpiresAt no longer block selection.
type AccountPostReservation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`                                                       // Primary key.
	AccountID uint64    `gorm:"not null;uniqueIndex:idx_account_post_reservation,priority:1"`                   // Account ID.
	PostURL   string    `gorm:"type:varchar(512);not null;uniqueIndex:idx_account_post_reservation,priority:2"` // Target post.
	ExpiresAt time.Time `gorm:"not null;index"`                                                                 // Reservation deadline.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
