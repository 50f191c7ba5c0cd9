// Package allocator hands out pool accounts and proxies under row-level locking.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxBindAttempts = 3
	defaultReservationTTL  = 30 * time.Minute
)

var (
	// ErrResourceExhausted means no proxy or account qualifies.
	ErrResourceExhausted = errors.New("allocator: resource exhausted")
	// ErrProxyFull means a specific proxy cannot take another account.
	ErrProxyFull = errors.New("allocator: proxy at capacity")
)

// Allocator selects accounts for posts and proxies for new accounts.
type Allocator struct {
	db              *gorm.DB
	now             func() time.Time
	maxBindAttempts int
	reservationTTL  time.Duration
}

// New constructs an Allocator backed by GORM.
func New(db *gorm.DB) *Allocator {
	return &Allocator{
		db:              db,
		now:             func() time.Time { return time.Now().UTC() },
		maxBindAttempts: defaultMaxBindAttempts,
		reservationTTL:  defaultReservationTTL,
	}
}

// conn prefers the caller's transaction so reads join its locks.
func (a *Allocator) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return a.db.WithContext(ctx)
}

// availableQuery scopes to active accounts never used against postURL and
// not held by a live reservation for it.
func availableQuery(conn *gorm.DB, postURL string, now time.Time) *gorm.DB {
	return conn.Model(&models.Account{}).
		Where("accounts.is_active = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM account_post_views v WHERE v.account_id = accounts.id AND v.post_url = ?)", postURL).
		Where("NOT EXISTS (SELECT 1 FROM account_post_reservations r WHERE r.account_id = accounts.id AND r.post_url = ? AND r.expires_at > ?)", postURL, now)
}

// CountAvailable counts active accounts without a ledger row or live
// reservation for postURL.
func (a *Allocator) CountAvailable(ctx context.Context, postURL string) (int64, error) {
	var n int64
	if errCount := availableQuery(a.db.WithContext(ctx), postURL, a.now()).Count(&n).Error; errCount != nil {
		return 0, fmt.Errorf("allocator: count available: %w", errCount)
	}
	return n, nil
}

// SelectOne takes the least used eligible account for postURL, or nil when none qualifies.
func (a *Allocator) SelectOne(ctx context.Context, postURL string) (*models.Account, error) {
	accounts, err := a.SelectMany(ctx, postURL, 1)
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	return &accounts[0], nil
}

// SelectMany takes up to n eligible accounts for postURL in one locked round,
// increments their usage counters in a single update and reserves them for
// the post until Release or the reservation TTL. Rows locked by a concurrent
// round are skipped, so parallel callers never share an account. The bound
// proxies are loaded after the round commits.
func (a *Allocator) SelectMany(ctx context.Context, postURL string, n int) ([]models.Account, error) {
	if n <= 0 {
		return nil, nil
	}

	var selected []models.Account
	now := a.now()
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := availableQuery(tx, postURL, now).
			Clauses(dbutil.SkipLockedClause(tx)...).
			Order("accounts.usage_count ASC").
			Order(dbutil.AscNullsFirst(tx, "accounts.last_used_at")).
			Order("accounts.id ASC").
			Limit(n).
			Find(&selected).Error; errFind != nil {
			return fmt.Errorf("allocator: lock accounts: %w", errFind)
		}
		if len(selected) == 0 {
			return nil
		}

		ids := make([]uint64, 0, len(selected))
		reservations := make([]models.AccountPostReservation, 0, len(selected))
		for _, account := range selected {
			ids = append(ids, account.ID)
			reservations = append(reservations, models.AccountPostReservation{
				AccountID: account.ID,
				PostURL:   postURL,
				ExpiresAt: now.Add(a.reservationTTL),
			})
		}
		if errUpdate := tx.Model(&models.Account{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"usage_count":  gorm.Expr("usage_count + ?", 1),
				"last_used_at": now,
			}).Error; errUpdate != nil {
			return fmt.Errorf("allocator: bump accounts: %w", errUpdate)
		}
		// An expired reservation for the same pair is taken over in place.
		if errReserve := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "post_url"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
		}).Create(&reservations).Error; errReserve != nil {
			return fmt.Errorf("allocator: reserve accounts: %w", errReserve)
		}
		for i := range selected {
			selected[i].UsageCount++
			selected[i].LastUsedAt = &now
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	if errProxies := a.attachProxies(ctx, selected); errProxies != nil {
		return nil, errProxies
	}
	return selected, nil
}

func (a *Allocator) attachProxies(ctx context.Context, accounts []models.Account) error {
	ids := make([]uint64, 0, len(accounts))
	seen := make(map[uint64]struct{}, len(accounts))
	for _, account := range accounts {
		if account.ProxyID == nil {
			continue
		}
		if _, ok := seen[*account.ProxyID]; ok {
			continue
		}
		seen[*account.ProxyID] = struct{}{}
		ids = append(ids, *account.ProxyID)
	}
	if len(ids) == 0 {
		return nil
	}

	var proxies []models.Proxy
	if errFind := a.db.WithContext(ctx).Where("id IN ?", ids).Find(&proxies).Error; errFind != nil {
		return fmt.Errorf("allocator: load proxies: %w", errFind)
	}
	byID := make(map[uint64]*models.Proxy, len(proxies))
	for i := range proxies {
		byID[proxies[i].ID] = &proxies[i]
	}
	for i := range accounts {
		if accounts[i].ProxyID != nil {
			accounts[i].Proxy = byID[*accounts[i].ProxyID]
		}
	}
	return nil
}

// MarkUsed records accountID in the ledger for postURL. Existing rows are
// left untouched; created reports whether a new row was written.
func (a *Allocator) MarkUsed(ctx context.Context, accountID uint64, postURL string) (bool, error) {
	row := models.AccountPostView{AccountID: accountID, PostURL: postURL}
	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("allocator: mark account %d used: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Release drops the reservations SelectMany took for postURL.
func (a *Allocator) Release(ctx context.Context, postURL string, accountIDs []uint64) error {
	if len(accountIDs) == 0 {
		return nil
	}
	if errDelete := a.db.WithContext(ctx).
		Where("post_url = ? AND account_id IN ?", postURL, accountIDs).
		Delete(&models.AccountPostReservation{}).Error; errDelete != nil {
		return fmt.Errorf("allocator: release reservations: %w", errDelete)
	}
	return nil
}

// UsedAccountIDs lists ledger entries for postURL in account id order.
func (a *Allocator) UsedAccountIDs(ctx context.Context, postURL string) ([]uint64, error) {
	var ids []uint64
	if errPluck := a.db.WithContext(ctx).
		Model(&models.AccountPostView{}).
		Where("post_url = ?", postURL).
		Order("account_id ASC").
		Pluck("account_id", &ids).Error; errPluck != nil {
		return nil, fmt.Errorf("allocator: list ledger: %w", errPluck)
	}
	return ids, nil
}
