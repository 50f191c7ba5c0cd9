package models

import "time"

// Proxy represents an egress endpoint that accounts are bound to.
type Proxy struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	Name string `gorm:"type:text;not null"`       // Display name.

	Host     string `gorm:"type:varchar(255);not null;uniqueIndex:idx_proxies_endpoint,priority:1"` // IP address.
	Port     int    `gorm:"not null;uniqueIndex:idx_proxies_endpoint,priority:2"`                   // TCP port.
	Protocol string `gorm:"type:varchar(32)"`                                                       // socks5, http, ...
	Login    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_proxies_endpoint,priority:3"` // Auth login.
	Password string `gorm:"type:varchar(255);not null;uniqueIndex:idx_proxies_endpoint,priority:4"` // Auth password.

	RefreshLink string `gorm:"type:text;not null;default:''"` // Provider IP-rotation link.

	UsageCount int64      `gorm:"not null;default:0;index:idx_proxies_active_usage,priority:2"` // Bind counter.
	LastUsedAt *time.Time // Last bind timestamp.

	IsActive    bool `gorm:"type:boolean;not null;default:true;index:idx_proxies_active_usage,priority:1"` // Availability flag.
	MaxAccounts int  `gorm:"not null;default:10"`                                                          // Bound account capacity, 0 means unlimited.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Unlimited reports whether the proxy accepts any number of bound accounts.
func (p Proxy) Unlimited() bool { return p.MaxAccounts <= 0 }
