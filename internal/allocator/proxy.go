package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	dbutil "github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/models"
	"gorm.io/gorm"
)

// ProxyLoad pairs a proxy with the number of accounts currently bound to it.
type ProxyLoad struct {
	Proxy models.Proxy
	Bound int64
}

// HasCapacity reports whether one more account may be bound.
func (l ProxyLoad) HasCapacity() bool {
	return l.Proxy.Unlimited() || l.Bound < int64(l.Proxy.MaxAccounts)
}

// PickLeastLoaded returns the active proxy with spare capacity and the fewest
// bound accounts, ties broken by lowest id.
func PickLeastLoaded(loads []ProxyLoad) (models.Proxy, error) {
	candidates := make([]ProxyLoad, 0, len(loads))
	for _, load := range loads {
		if !load.Proxy.IsActive || !load.HasCapacity() {
			continue
		}
		candidates = append(candidates, load)
	}
	if len(candidates) == 0 {
		return models.Proxy{}, ErrResourceExhausted
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Bound != candidates[j].Bound {
			return candidates[i].Bound < candidates[j].Bound
		}
		return candidates[i].Proxy.ID < candidates[j].Proxy.ID
	})
	return candidates[0].Proxy, nil
}

// ProxyLoads returns every active proxy with its bound account count.
func (a *Allocator) ProxyLoads(ctx context.Context, tx *gorm.DB) ([]ProxyLoad, error) {
	conn := a.conn(ctx, tx)

	var proxies []models.Proxy
	if errFind := conn.Where("is_active = ?", true).Order("id ASC").Find(&proxies).Error; errFind != nil {
		return nil, fmt.Errorf("allocator: load proxies: %w", errFind)
	}
	if len(proxies) == 0 {
		return nil, nil
	}

	type boundRow struct {
		ProxyID uint64
		Bound   int64
	}
	var rows []boundRow
	if errCount := conn.Model(&models.Account{}).
		Select("proxy_id, COUNT(*) AS bound").
		Where("proxy_id IS NOT NULL").
		Group("proxy_id").
		Scan(&rows).Error; errCount != nil {
		return nil, fmt.Errorf("allocator: count bound accounts: %w", errCount)
	}
	bound := make(map[uint64]int64, len(rows))
	for _, row := range rows {
		bound[row.ProxyID] = row.Bound
	}

	loads := make([]ProxyLoad, 0, len(proxies))
	for _, proxy := range proxies {
		loads = append(loads, ProxyLoad{Proxy: proxy, Bound: bound[proxy.ID]})
	}
	return loads, nil
}

// PickProxy chooses and reserves a proxy for a new account inside tx.
// The chosen row is locked and its bound count re-checked, so two concurrent
// imports cannot push a proxy past its capacity.
func (a *Allocator) PickProxy(ctx context.Context, tx *gorm.DB) (models.Proxy, error) {
	for attempt := 0; attempt < a.maxBindAttempts; attempt++ {
		loads, errLoads := a.ProxyLoads(ctx, tx)
		if errLoads != nil {
			return models.Proxy{}, errLoads
		}
		picked, errPick := PickLeastLoaded(loads)
		if errPick != nil {
			return models.Proxy{}, errPick
		}
		reserved, errBind := a.BindProxy(ctx, tx, picked.ID)
		if errors.Is(errBind, ErrProxyFull) {
			continue
		}
		return reserved, errBind
	}
	return models.Proxy{}, ErrResourceExhausted
}

// BindProxy locks the proxy row, verifies it can take one more account and
// bumps its usage counter. Returns ErrProxyFull when at capacity or inactive.
func (a *Allocator) BindProxy(ctx context.Context, tx *gorm.DB, proxyID uint64) (models.Proxy, error) {
	conn := a.conn(ctx, tx)

	var proxy models.Proxy
	if errFind := conn.Clauses(dbutil.ForUpdateClause(conn)...).
		Where("id = ?", proxyID).
		Take(&proxy).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Proxy{}, ErrProxyFull
		}
		return models.Proxy{}, fmt.Errorf("allocator: lock proxy %d: %w", proxyID, errFind)
	}
	if !proxy.IsActive {
		return models.Proxy{}, ErrProxyFull
	}

	var bound int64
	if errCount := conn.Model(&models.Account{}).Where("proxy_id = ?", proxyID).Count(&bound).Error; errCount != nil {
		return models.Proxy{}, fmt.Errorf("allocator: count proxy %d accounts: %w", proxyID, errCount)
	}
	if !(ProxyLoad{Proxy: proxy, Bound: bound}).HasCapacity() {
		return models.Proxy{}, ErrProxyFull
	}

	now := a.now()
	if errUpdate := conn.Model(&models.Proxy{}).
		Where("id = ?", proxyID).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + ?", 1),
			"last_used_at": now,
		}).Error; errUpdate != nil {
		return models.Proxy{}, fmt.Errorf("allocator: bump proxy %d: %w", proxyID, errUpdate)
	}
	proxy.UsageCount++
	proxy.LastUsedAt = &now
	return proxy, nil
}
