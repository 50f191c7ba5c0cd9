package imports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/postreach/viewpool/internal/allocator"
	"github.com/postreach/viewpool/internal/blobstore"
	"github.com/postreach/viewpool/internal/models"
	"github.com/postreach/viewpool/internal/proxylist"
	"github.com/postreach/viewpool/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome counts what happened to the items of one batch.
type Outcome struct {
	Created int
	Failed  int
	Skipped int
}

// Pipeline converts a queued batch into accounts.
type Pipeline struct {
	db        *gorm.DB
	blobs     blobstore.Store
	alloc     *allocator.Allocator
	extractID ExtractIDFunc
	now       func() time.Time
	newToken  func() string
}

// NewPipeline wires a Pipeline. A nil extractID reads DefaultIDField.
func NewPipeline(db *gorm.DB, blobs blobstore.Store, alloc *allocator.Allocator, extractID ExtractIDFunc) *Pipeline {
	if extractID == nil {
		extractID = FieldExtractor(DefaultIDField)
	}
	return &Pipeline{
		db:        db,
		blobs:     blobs,
		alloc:     alloc,
		extractID: extractID,
		now:       func() time.Time { return time.Now().UTC() },
		newToken:  uuid.NewString,
	}
}

// Process runs batchID through queued -> processing -> completed|failed.
// Batches that are not queued are left alone, which makes redelivery of the
// same job harmless. Once claimed the batch runs to the end regardless of
// ctx, and its staged blobs are deleted when the run records its outcome.
// A run whose claim was taken over by the sweeper rolls back, keeps the
// blobs for the new owner and returns ErrClaimLost. Otherwise the returned
// error is non-nil only when the whole batch failed or could not be claimed.
func (p *Pipeline) Process(ctx context.Context, batchID string) (models.AccountImport, error) {
	ctx = context.WithoutCancel(ctx)

	batch, claimed, errClaim := p.claim(ctx, batchID)
	if errClaim != nil || !claimed {
		return batch, errClaim
	}
	return p.execute(ctx, batch)
}

// execute does the work of a claimed batch.
func (p *Pipeline) execute(ctx context.Context, batch models.AccountImport) (models.AccountImport, error) {
	fields := log.Fields{"batch": batch.BatchID}

	manifest, errManifest := decodeManifest(batch.Manifest)
	if errManifest != nil {
		return p.fail(ctx, batch, manifest.Handles, errManifest)
	}

	var outcome Outcome
	errTx := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errRun error
		outcome, errRun = p.run(ctx, tx, batch.BatchID, manifest)
		if errRun != nil {
			return errRun
		}
		res := owned(tx.Model(&models.AccountImport{}), batch).
			Updates(map[string]any{
				"status":        models.ImportStatusCompleted,
				"created_count": outcome.Created,
				"failed_count":  outcome.Failed,
				"skipped_count": outcome.Skipped,
				"finished_at":   p.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrClaimLost, batch.BatchID)
		}
		return nil
	})
	if errors.Is(errTx, ErrClaimLost) {
		log.WithFields(fields).Warn("imports: claim lost, discarding run")
		fresh, errReload := p.reload(ctx, batch)
		if errReload != nil {
			return fresh, errReload
		}
		return fresh, errTx
	}
	if errTx != nil {
		return p.fail(ctx, batch, manifest.Handles, errTx)
	}

	removeBlobs(ctx, p.blobs, batch.BatchID, manifest.Handles)
	log.WithFields(fields).Infof("imports: batch completed, created=%d skipped=%d failed=%d",
		outcome.Created, outcome.Skipped, outcome.Failed)
	return p.reload(ctx, batch)
}

// owned scopes an update to the run that still holds the batch claim.
func owned(conn *gorm.DB, batch models.AccountImport) *gorm.DB {
	return conn.Where("id = ? AND status = ? AND claim_token = ?", batch.ID, models.ImportStatusProcessing, batch.ClaimToken)
}

// claim moves the batch from queued to processing under a fresh claim
// token. claimed is false when another worker owns it or it already finished.
func (p *Pipeline) claim(ctx context.Context, batchID string) (models.AccountImport, bool, error) {
	var batch models.AccountImport
	if errFind := p.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&batch).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return batch, false, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return batch, false, fmt.Errorf("%w: load batch %s: %v", ErrPersistence, batchID, errFind)
	}
	if batch.Terminal() {
		log.WithField("batch", batchID).Debugf("imports: batch already %s", batch.Status)
		return batch, false, nil
	}
	if batch.Status != models.ImportStatusQueued {
		log.WithField("batch", batchID).Debug("imports: batch owned by another worker")
		return batch, false, nil
	}

	started := p.now()
	token := p.newToken()
	res := p.db.WithContext(ctx).Model(&models.AccountImport{}).
		Where("id = ? AND status = ?", batch.ID, models.ImportStatusQueued).
		Updates(map[string]any{"status": models.ImportStatusProcessing, "started_at": started, "claim_token": token})
	if res.Error != nil {
		return batch, false, fmt.Errorf("%w: claim batch %s: %v", ErrPersistence, batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return batch, false, nil
	}
	batch.Status = models.ImportStatusProcessing
	batch.StartedAt = &started
	batch.ClaimToken = token
	return batch, true, nil
}

// run is the unit of work. Errors returned here fail the whole batch;
// per-item problems are counted instead.
func (p *Pipeline) run(ctx context.Context, tx *gorm.DB, batchID string, manifest Manifest) (Outcome, error) {
	var outcome Outcome

	supplied, errProxies := p.upsertProxies(ctx, tx, manifest.ProxyList)
	if errProxies != nil {
		return outcome, errProxies
	}
	autoAssign := settings.BoolValue(settings.ImportAutoAssignProxyKey, settings.DefaultImportAutoAssignProxy)

	cursor := 0
	for idx, h := range manifest.Handles {
		var usedSupplied bool
		errItem := tx.Transaction(func(itx *gorm.DB) error {
			var errCreate error
			usedSupplied, errCreate = p.createAccount(ctx, itx, blobstore.Handle(h), supplied, cursor, autoAssign)
			return errCreate
		})
		switch {
		case errItem == nil:
			outcome.Created++
			if usedSupplied {
				cursor++
			}
		case errors.Is(errItem, ErrDuplicateAccount):
			outcome.Skipped++
		default:
			outcome.Failed++
			log.WithError(errItem).WithFields(log.Fields{"batch": batchID, "index": idx}).Error("imports: item failed")
		}
	}
	return outcome, nil
}

// upsertProxies parses text and creates or refreshes each listed proxy.
// The returned ids keep the list order.
func (p *Pipeline) upsertProxies(ctx context.Context, tx *gorm.DB, text string) ([]uint64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	entries, errParse := proxylist.Parse(text)
	if errParse != nil {
		return nil, errParse
	}

	ids := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		var existing models.Proxy
		errFind := tx.WithContext(ctx).
			Where("host = ? AND port = ? AND login = ? AND password = ?", entry.Host, entry.Port, entry.Login, entry.Password).
			Take(&existing).Error
		switch {
		case errFind == nil:
			if errUpdate := tx.WithContext(ctx).Model(&existing).Updates(map[string]any{
				"name":         entry.Name,
				"protocol":     entry.Protocol,
				"refresh_link": entry.RefreshLink,
			}).Error; errUpdate != nil {
				return nil, fmt.Errorf("imports: refresh proxy %s:%d: %w", entry.Host, entry.Port, errUpdate)
			}
			ids = append(ids, existing.ID)
		case errors.Is(errFind, gorm.ErrRecordNotFound):
			proxy := entry.Model()
			if errCreate := tx.WithContext(ctx).Create(&proxy).Error; errCreate != nil {
				return nil, fmt.Errorf("imports: create proxy %s:%d: %w", entry.Host, entry.Port, errCreate)
			}
			ids = append(ids, proxy.ID)
		default:
			return nil, fmt.Errorf("imports: find proxy %s:%d: %w", entry.Host, entry.Port, errFind)
		}
	}
	return ids, nil
}

// createAccount persists one staged item. usedSupplied reports whether the
// supplied proxy at cursor was consumed.
func (p *Pipeline) createAccount(ctx context.Context, tx *gorm.DB, h blobstore.Handle, supplied []uint64, cursor int, autoAssign bool) (bool, error) {
	credential, descriptor, errLoad := p.blobs.Load(ctx, h)
	if errLoad != nil {
		return false, errLoad
	}
	externalID, errExtract := p.extractID(descriptor)
	if errExtract != nil {
		return false, fmt.Errorf("extract id: %w", errExtract)
	}

	var existing int64
	if errCount := tx.WithContext(ctx).Model(&models.Account{}).Where("external_id = ?", externalID).Count(&existing).Error; errCount != nil {
		return false, fmt.Errorf("check duplicate: %w", errCount)
	}
	if existing > 0 {
		return false, fmt.Errorf("%w: %s", ErrDuplicateAccount, externalID)
	}

	proxy, usedSupplied, errProxy := p.chooseProxy(ctx, tx, supplied, cursor, autoAssign)
	if errProxy != nil {
		return false, errProxy
	}

	account := models.Account{
		ExternalID:  &externalID,
		SessionData: credential,
		JSONData:    datatypes.JSON(descriptor),
		ProxyID:     &proxy.ID,
		IsActive:    true,
	}
	if errCreate := tx.WithContext(ctx).Create(&account).Error; errCreate != nil {
		return false, fmt.Errorf("create account %s: %w", externalID, errCreate)
	}
	return usedSupplied, nil
}

// chooseProxy binds the next supplied proxy, or asks the allocator once the
// list is used up or the supplied proxy is full.
func (p *Pipeline) chooseProxy(ctx context.Context, tx *gorm.DB, supplied []uint64, cursor int, autoAssign bool) (models.Proxy, bool, error) {
	usedSupplied := cursor < len(supplied)
	if usedSupplied {
		proxy, errBind := p.alloc.BindProxy(ctx, tx, supplied[cursor])
		if errBind == nil {
			return proxy, true, nil
		}
		if !errors.Is(errBind, allocator.ErrProxyFull) {
			return models.Proxy{}, false, errBind
		}
	}
	if !autoAssign {
		return models.Proxy{}, false, allocator.ErrResourceExhausted
	}
	proxy, errPick := p.alloc.PickProxy(ctx, tx)
	if errPick != nil {
		return models.Proxy{}, false, fmt.Errorf("assign proxy: %w", errPick)
	}
	return proxy, usedSupplied, nil
}

// fail records a batch-level failure with the raw error text and drops the
// staged blobs. Nothing is written when the claim was lost.
func (p *Pipeline) fail(ctx context.Context, batch models.AccountImport, handles []string, cause error) (models.AccountImport, error) {
	finished := p.now()
	res := owned(p.db.WithContext(ctx).Model(&models.AccountImport{}), batch).
		Updates(map[string]any{
			"status":      models.ImportStatusFailed,
			"error":       cause.Error(),
			"finished_at": finished,
		})
	switch {
	case res.Error != nil:
		log.WithError(res.Error).WithField("batch", batch.BatchID).Error("imports: record batch failure")
	case res.RowsAffected == 0:
		log.WithError(cause).WithField("batch", batch.BatchID).Warn("imports: claim lost before failure was recorded")
		return batch, fmt.Errorf("%w: %s", ErrClaimLost, batch.BatchID)
	}
	removeBlobs(ctx, p.blobs, batch.BatchID, handles)
	log.WithError(cause).WithField("batch", batch.BatchID).Error("imports: batch failed")

	batch.Status = models.ImportStatusFailed
	batch.Error = cause.Error()
	batch.FinishedAt = &finished
	return batch, cause
}

func (p *Pipeline) reload(ctx context.Context, batch models.AccountImport) (models.AccountImport, error) {
	var fresh models.AccountImport
	if errFind := p.db.WithContext(ctx).Where("id = ?", batch.ID).Take(&fresh).Error; errFind != nil {
		return batch, fmt.Errorf("%w: reload batch %s: %v", ErrPersistence, batch.BatchID, errFind)
	}
	return fresh, nil
}
