// Package reports answers read-side questions about the pool and applies
// small administrative toggles.
package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/postreach/viewpool/internal/allocator"
	dbutil "github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/models"
	"gorm.io/gorm"
)

const (
	topAccountsLimit = 5
	defaultPageSize  = 20
	maxPageSize      = 100
)

// ErrNotFound is returned when the targeted row does not exist.
var ErrNotFound = errors.New("reports: not found")

// AccountUsage is one row of the most used accounts list.
type AccountUsage struct {
	ID         uint64
	ExternalID string
	Username   string
	UsageCount int64
	IsActive   bool
}

// Stats summarizes the pool.
type Stats struct {
	TotalAccounts    int64
	ActiveAccounts   int64
	InactiveAccounts int64
	TotalProxies     int64
	ActiveProxies    int64
	TotalTasks       int64
	TopAccounts      []AccountUsage
}

// Filter narrows and pages a listing. PostURL matches as a case-insensitive substring.
type Filter struct {
	PostURL  string
	Status   string
	Page     int
	PageSize int
}

func (f Filter) limits() (int, int) {
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

// Service runs reporting queries.
type Service struct {
	db *gorm.DB
}

// New constructs a Service.
func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Stats collects pool counters and the five most used active accounts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	conn := s.db.WithContext(ctx)
	var out Stats
	counts := []struct {
		query *gorm.DB
		dest  *int64
	}{
		{conn.Model(&models.Account{}), &out.TotalAccounts},
		{conn.Model(&models.Account{}).Where("is_active = ?", true), &out.ActiveAccounts},
		{conn.Model(&models.Proxy{}), &out.TotalProxies},
		{conn.Model(&models.Proxy{}).Where("is_active = ?", true), &out.ActiveProxies},
		{conn.Model(&models.ViewTask{}), &out.TotalTasks},
	}
	for _, c := range counts {
		if errCount := c.query.Count(c.dest).Error; errCount != nil {
			return Stats{}, fmt.Errorf("reports: count: %w", errCount)
		}
	}
	out.InactiveAccounts = out.TotalAccounts - out.ActiveAccounts

	var rows []struct {
		ID         uint64
		ExternalID *string
		Username   *string
		UsageCount int64
		IsActive   bool
	}
	if errFind := conn.Model(&models.Account{}).
		Select("id, external_id, " + dbutil.JSONExtractTextExpr(s.db, "json_data", "username") + " AS username, usage_count, is_active").
		Where("is_active = ?", true).
		Order("usage_count DESC").
		Order("id ASC").
		Limit(topAccountsLimit).
		Scan(&rows).Error; errFind != nil {
		return Stats{}, fmt.Errorf("reports: top accounts: %w", errFind)
	}
	out.TopAccounts = make([]AccountUsage, 0, len(rows))
	for _, row := range rows {
		item := AccountUsage{ID: row.ID, UsageCount: row.UsageCount, IsActive: row.IsActive}
		if row.ExternalID != nil {
			item.ExternalID = *row.ExternalID
		}
		if row.Username != nil {
			item.Username = *row.Username
		}
		out.TopAccounts = append(out.TopAccounts, item)
	}
	return out, nil
}

// AvailableForPost counts active accounts not yet used against postURL.
func (s *Service) AvailableForPost(ctx context.Context, postURL string) (int64, error) {
	var n int64
	if errCount := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("accounts.is_active = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM account_post_views v WHERE v.account_id = accounts.id AND v.post_url = ?)", strings.TrimSpace(postURL)).
		Count(&n).Error; errCount != nil {
		return 0, fmt.Errorf("reports: count available: %w", errCount)
	}
	return n, nil
}

// PostLedger lists the accounts already recorded against postURL.
func (s *Service) PostLedger(ctx context.Context, postURL string) ([]uint64, error) {
	ids, errLedger := allocator.New(s.db).UsedAccountIDs(ctx, strings.TrimSpace(postURL))
	if errLedger != nil {
		return nil, fmt.Errorf("reports: %w", errLedger)
	}
	return ids, nil
}

// ListTasks returns view tasks newest first with the total match count.
func (s *Service) ListTasks(ctx context.Context, f Filter) ([]models.ViewTask, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.ViewTask{})
	if postQ := strings.TrimSpace(f.PostURL); postQ != "" {
		pattern := dbutil.NormalizeLikePattern(s.db, "%"+postQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(s.db, "post_url"), pattern)
	}
	var total int64
	if errCount := q.Session(&gorm.Session{}).Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("reports: count tasks: %w", errCount)
	}
	size, offset := f.limits()
	var rows []models.ViewTask
	if errFind := q.Session(&gorm.Session{}).Order("created_at DESC").Order("id DESC").Limit(size).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("reports: list tasks: %w", errFind)
	}
	return rows, total, nil
}

// ListImports returns import batches newest first, optionally by status.
func (s *Service) ListImports(ctx context.Context, f Filter) ([]models.AccountImport, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.AccountImport{}).Omit("manifest")
	if status := strings.TrimSpace(f.Status); status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if errCount := q.Session(&gorm.Session{}).Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("reports: count imports: %w", errCount)
	}
	size, offset := f.limits()
	var rows []models.AccountImport
	if errFind := q.Session(&gorm.Session{}).Order("created_at DESC").Order("id DESC").Limit(size).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("reports: list imports: %w", errFind)
	}
	return rows, total, nil
}

// GetImport loads one batch by its public id.
func (s *Service) GetImport(ctx context.Context, batchID string) (models.AccountImport, error) {
	var row models.AccountImport
	if errFind := s.db.WithContext(ctx).Where("batch_id = ?", strings.TrimSpace(batchID)).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return row, ErrNotFound
		}
		return row, fmt.Errorf("reports: get import: %w", errFind)
	}
	return row, nil
}

// ProxyRow is a proxy with its bound account count.
type ProxyRow struct {
	models.Proxy
	Bound int64
}

// ListProxies returns every proxy in id order with its bound account count.
func (s *Service) ListProxies(ctx context.Context) ([]ProxyRow, error) {
	conn := s.db.WithContext(ctx)
	var proxies []models.Proxy
	if errFind := conn.Order("id ASC").Find(&proxies).Error; errFind != nil {
		return nil, fmt.Errorf("reports: list proxies: %w", errFind)
	}
	var counts []struct {
		ProxyID uint64
		Bound   int64
	}
	if errCount := conn.Model(&models.Account{}).
		Select("proxy_id, COUNT(*) AS bound").
		Where("proxy_id IS NOT NULL").
		Group("proxy_id").
		Scan(&counts).Error; errCount != nil {
		return nil, fmt.Errorf("reports: count bound accounts: %w", errCount)
	}
	bound := make(map[uint64]int64, len(counts))
	for _, c := range counts {
		bound[c.ProxyID] = c.Bound
	}
	rows := make([]ProxyRow, 0, len(proxies))
	for _, p := range proxies {
		rows = append(rows, ProxyRow{Proxy: p, Bound: bound[p.ID]})
	}
	return rows, nil
}

// SetAccountActive enables or disables an account.
func (s *Service) SetAccountActive(ctx context.Context, id uint64, active bool) error {
	return s.updateOne(ctx, &models.Account{}, id, map[string]any{"is_active": active})
}

// SetProxyActive enables or disables a proxy. Accounts already bound keep it.
func (s *Service) SetProxyActive(ctx context.Context, id uint64, active bool) error {
	return s.updateOne(ctx, &models.Proxy{}, id, map[string]any{"is_active": active})
}

// SetProxyCapacity changes max_accounts; 0 means unlimited. Lowering it
// below the bound count only affects future binds.
func (s *Service) SetProxyCapacity(ctx context.Context, id uint64, maxAccounts int) error {
	if maxAccounts < 0 {
		return fmt.Errorf("reports: capacity must not be negative")
	}
	return s.updateOne(ctx, &models.Proxy{}, id, map[string]any{"max_accounts": maxAccounts})
}

func (s *Service) updateOne(ctx context.Context, model any, id uint64, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("reports: update %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
