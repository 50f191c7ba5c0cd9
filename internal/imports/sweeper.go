package imports

import (
	"context"
	"fmt"
	"time"

	"github.com/postreach/viewpool/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultStaleAfter    = 15 * time.Minute
	defaultSweepInterval = time.Minute
	sweepBatchLimit      = 100
)

// Sweeper re-enqueues batches that sat in queued or processing for too long,
// covering lost queue pushes and workers that died mid-batch.
type Sweeper struct {
	db         *gorm.DB
	queue      Enqueuer
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewSweeper constructs a sweeper; nil when db or queue is missing.
func NewSweeper(db *gorm.DB, q Enqueuer, staleAfter, interval time.Duration) *Sweeper {
	if db == nil || q == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		db:         db,
		queue:      q,
		staleAfter: staleAfter,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
	log.Infof("imports sweeper started (interval=%s, stale_after=%s)", s.interval, s.staleAfter)
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if _, errSweep := s.Sweep(ctx); errSweep != nil && ctx.Err() == nil {
			log.WithError(errSweep).Warn("imports sweeper: sweep failed")
		}
	}
}

// Sweep re-enqueues stale batches once and returns how many were requeued.
// A queued batch is stale once updated_at passes the cutoff, a processing
// one once started_at does. Stale processing batches are reset to queued
// and lose their claim token, so the run that held it can no longer record
// an outcome.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)

	var stale []models.AccountImport
	if errFind := s.db.WithContext(ctx).
		Where("(status = ? AND updated_at < ?) OR (status = ? AND COALESCE(started_at, updated_at) < ?)",
			models.ImportStatusQueued, cutoff, models.ImportStatusProcessing, cutoff).
		Order("id ASC").
		Limit(sweepBatchLimit).
		Find(&stale).Error; errFind != nil {
		return 0, fmt.Errorf("imports sweeper: find stale batches: %w", errFind)
	}

	requeued := 0
	for _, batch := range stale {
		res := s.db.WithContext(ctx).Model(&models.AccountImport{}).
			Where("id = ? AND status = ? AND claim_token = ?", batch.ID, batch.Status, batch.ClaimToken).
			Updates(map[string]any{"status": models.ImportStatusQueued, "claim_token": "", "updated_at": s.now()})
		if res.Error != nil {
			return requeued, fmt.Errorf("imports sweeper: reset batch %s: %w", batch.BatchID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		if errEnqueue := s.queue.Enqueue(ctx, batch.BatchID); errEnqueue != nil {
			return requeued, fmt.Errorf("imports sweeper: enqueue batch %s: %w", batch.BatchID, errEnqueue)
		}
		log.WithFields(log.Fields{"batch": batch.BatchID, "was": batch.Status}).Warn("imports sweeper: requeued stale batch")
		requeued++
	}
	return requeued, nil
}
