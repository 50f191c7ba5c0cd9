package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/postreach/viewpool/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// This is required at process startup; otherwise DBConfigValue() will return empty values and
// every policy falls back to its configured default.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// Put upserts a setting and refreshes the snapshot.
func Put(ctx context.Context, db *gorm.DB, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	raw, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return errMarshal
	}
	row := models.Setting{Key: key, Value: raw, UpdatedAt: time.Now().UTC()}
	if errCreate := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errCreate != nil {
		return errCreate
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// Refresher periodically reloads the settings snapshot.
type Refresher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewRefresher constructs a refresher; nil when db is nil.
func NewRefresher(db *gorm.DB, interval time.Duration) *Refresher {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{db: db, interval: interval}
}

// Start launches the refresh loop in a background goroutine.
func (r *Refresher) Start(ctx context.Context) {
	if r == nil {
		return
	}
	go r.run(ctx)
	log.Infof("settings refresher started (interval=%s)", r.interval)
}

func (r *Refresher) run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil && ctx.Err() == nil {
			log.WithError(errRefresh).Warn("settings refresher: reload failed")
		}
	}
}
