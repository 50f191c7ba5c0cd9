package imports

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/postreach/viewpool/internal/blobstore"
	"github.com/postreach/viewpool/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Enqueuer hands batch ids to the import workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job string) error
}

// Submitter stages uploads and queues them for the worker.
type Submitter struct {
	db    *gorm.DB
	blobs blobstore.Store
	queue Enqueuer
	newID func() string
}

// NewSubmitter wires a Submitter.
func NewSubmitter(db *gorm.DB, blobs blobstore.Store, queue Enqueuer) *Submitter {
	return &Submitter{db: db, blobs: blobs, queue: queue, newID: uuid.NewString}
}

// Submit stages every item, records a queued batch and enqueues it. The call
// returns as soon as the batch is queued. On any failure the staged blobs
// are removed again.
func (s *Submitter) Submit(ctx context.Context, requestedBy string, items []Item, proxyList string) (models.AccountImport, error) {
	requestedBy = strings.TrimSpace(requestedBy)
	if requestedBy == "" {
		return models.AccountImport{}, fmt.Errorf("%w: requester is required", ErrInvalidBatch)
	}
	if len(items) == 0 {
		return models.AccountImport{}, fmt.Errorf("%w: no items", ErrInvalidBatch)
	}
	for idx, item := range items {
		if len(item.Credential) == 0 || len(item.Descriptor) == 0 {
			return models.AccountImport{}, fmt.Errorf("%w: item %d is incomplete", ErrInvalidBatch, idx)
		}
	}

	batchID := s.newID()
	manifest := Manifest{Handles: make([]string, 0, len(items)), ProxyList: proxyList}
	for idx, item := range items {
		h, errSave := s.blobs.Save(ctx, batchID+"/"+strconv.Itoa(idx), item.Credential, item.Descriptor)
		if errSave != nil {
			removeBlobs(context.WithoutCancel(ctx), s.blobs, batchID, manifest.Handles)
			return models.AccountImport{}, fmt.Errorf("imports: stage item %d: %w", idx, errSave)
		}
		manifest.Handles = append(manifest.Handles, string(h))
	}

	encoded, errEncode := manifest.encode()
	if errEncode != nil {
		removeBlobs(context.WithoutCancel(ctx), s.blobs, batchID, manifest.Handles)
		return models.AccountImport{}, fmt.Errorf("imports: encode manifest: %w", errEncode)
	}
	batch := models.AccountImport{
		BatchID:     batchID,
		RequestedBy: requestedBy,
		TotalCount:  len(items),
		Status:      models.ImportStatusQueued,
		Manifest:    encoded,
	}
	if errCreate := s.db.WithContext(ctx).Create(&batch).Error; errCreate != nil {
		removeBlobs(context.WithoutCancel(ctx), s.blobs, batchID, manifest.Handles)
		return models.AccountImport{}, fmt.Errorf("%w: create batch: %v", ErrPersistence, errCreate)
	}

	if errEnqueue := s.queue.Enqueue(ctx, batchID); errEnqueue != nil {
		bg := context.WithoutCancel(ctx)
		removeBlobs(bg, s.blobs, batchID, manifest.Handles)
		now := time.Now().UTC()
		if errMark := s.db.WithContext(bg).Model(&batch).Updates(map[string]any{
			"status":      models.ImportStatusFailed,
			"error":       errEnqueue.Error(),
			"finished_at": now,
		}).Error; errMark != nil {
			log.WithError(errMark).Errorf("imports: mark batch %s failed", batchID)
		}
		return batch, fmt.Errorf("imports: enqueue batch %s: %w", batchID, errEnqueue)
	}

	log.WithFields(log.Fields{"batch": batchID, "items": len(items), "requested_by": requestedBy}).Info("imports: batch queued")
	return batch, nil
}

// removeBlobs deletes staged blobs; failures are logged only.
func removeBlobs(ctx context.Context, blobs blobstore.Store, batchID string, handles []string) {
	for _, h := range handles {
		if errDelete := blobs.Delete(ctx, blobstore.Handle(h)); errDelete != nil {
			log.WithError(errDelete).WithField("batch", batchID).Warnf("imports: cleanup of %s failed", h)
		}
	}
}
