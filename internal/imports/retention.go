package imports

import (
	"context"
	"time"

	"github.com/postreach/viewpool/internal/models"
	"github.com/postreach/viewpool/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 500
	maxDeleteBatchesPerRun   = 200
)

// RetentionCleaner periodically deletes finished import batches older than
// the IMPORT_RETENTION_DAYS setting. Queued and processing batches are kept.
type RetentionCleaner struct {
	db        *gorm.DB
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCleaner returns nil when db is nil.
func NewRetentionCleaner(db *gorm.DB) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("imports retention cleaner started (interval=%s)", c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce runs one retention pass and returns the number of deleted rows.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	retentionDays := settings.DefaultImportRetentionDays
	if v, ok := settings.IntValue(settings.ImportRetentionDaysKey); ok && v >= 0 {
		retentionDays = v
	}
	if retentionDays <= 0 {
		return 0
	}
	cutoff := c.now().AddDate(0, 0, -retentionDays)

	var deletedTotal int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("imports retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}
	if deletedTotal > 0 {
		log.Infof("imports retention cleaner: deleted %d batches (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []uint64
	if errPluck := c.db.WithContext(ctx).Model(&models.AccountImport{}).
		Where("status IN ? AND finished_at < ?", []string{models.ImportStatusCompleted, models.ImportStatusFailed}, cutoff).
		Order("finished_at ASC").
		Limit(c.batchSize).
		Pluck("id", &ids).Error; errPluck != nil {
		return 0, errPluck
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := c.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AccountImport{})
	return res.RowsAffected, res.Error
}
