package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const testPost = "https://t.me/x/1"

func setupAllocatorDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:allocator_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := db.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := dbutil.Migrate(db); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

func createProxy(t *testing.T, db *gorm.DB, host string, maxAccounts int) models.Proxy {
	t.Helper()
	proxy := models.Proxy{Name: host, Host: host, Port: 1080, Protocol: "socks5", Login: "u", Password: "p", IsActive: true}
	if errCreate := db.Create(&proxy).Error; errCreate != nil {
		t.Fatalf("create proxy: %v", errCreate)
	}
	// max_accounts has a non-zero column default, so zero must be written explicitly.
	if errUpdate := db.Model(&proxy).Update("max_accounts", maxAccounts).Error; errUpdate != nil {
		t.Fatalf("set proxy capacity: %v", errUpdate)
	}
	proxy.MaxAccounts = maxAccounts
	return proxy
}

func createAccount(t *testing.T, db *gorm.DB, proxyID uint64, usage int64, lastUsed *time.Time) models.Account {
	t.Helper()
	pid := proxyID
	account := models.Account{
		SessionData: []byte("session"),
		JSONData:    datatypes.JSON([]byte(`{"user_id": 1}`)),
		ProxyID:     &pid,
		UsageCount:  usage,
		LastUsedAt:  lastUsed,
		IsActive:    true,
	}
	if errCreate := db.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	return account
}

func deactivate(t *testing.T, db *gorm.DB, account models.Account) {
	t.Helper()
	if errUpdate := db.Model(&account).Update("is_active", false).Error; errUpdate != nil {
		t.Fatalf("deactivate account: %v", errUpdate)
	}
}

func TestPickLeastLoadedPrefersFewestBoundThenLowestID(t *testing.T) {
	loads := []ProxyLoad{
		{Proxy: models.Proxy{ID: 3, IsActive: true, MaxAccounts: 10}, Bound: 1},
		{Proxy: models.Proxy{ID: 2, IsActive: true, MaxAccounts: 10}, Bound: 1},
		{Proxy: models.Proxy{ID: 1, IsActive: true, MaxAccounts: 10}, Bound: 4},
	}
	got, err := PickLeastLoaded(loads)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != 2 {
		t.Fatalf("expected proxy 2, got %d", got.ID)
	}
}

func TestPickLeastLoadedSkipsFullAndInactive(t *testing.T) {
	loads := []ProxyLoad{
		{Proxy: models.Proxy{ID: 1, IsActive: true, MaxAccounts: 2}, Bound: 2},
		{Proxy: models.Proxy{ID: 2, IsActive: false, MaxAccounts: 0}, Bound: 0},
		{Proxy: models.Proxy{ID: 3, IsActive: true, MaxAccounts: 0}, Bound: 500},
	}
	got, err := PickLeastLoaded(loads)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != 3 {
		t.Fatalf("expected unlimited proxy 3, got %d", got.ID)
	}

	_, err = PickLeastLoaded(loads[:2])
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestPickProxyEnforcesCapacity(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()

	small := createProxy(t, db, "10.0.0.1", 1)
	big := createProxy(t, db, "10.0.0.2", 2)

	var picked []uint64
	for i := 0; i < 3; i++ {
		errTx := db.Transaction(func(tx *gorm.DB) error {
			proxy, errPick := alloc.PickProxy(ctx, tx)
			if errPick != nil {
				return errPick
			}
			picked = append(picked, proxy.ID)
			createAccount(t, tx, proxy.ID, 0, nil)
			return nil
		})
		if errTx != nil {
			t.Fatalf("pick %d: %v", i, errTx)
		}
	}
	want := []uint64{small.ID, big.ID, big.ID}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("pick order: expected %v, got %v", want, picked)
		}
	}

	errTx := db.Transaction(func(tx *gorm.DB) error {
		_, errPick := alloc.PickProxy(ctx, tx)
		return errPick
	})
	if !errors.Is(errTx, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted once every proxy is full, got %v", errTx)
	}

	var reloaded models.Proxy
	if errFind := db.First(&reloaded, big.ID).Error; errFind != nil {
		t.Fatalf("reload proxy: %v", errFind)
	}
	if reloaded.UsageCount != 2 || reloaded.LastUsedAt == nil {
		t.Fatalf("expected proxy usage 2 with timestamp, got %d %v", reloaded.UsageCount, reloaded.LastUsedAt)
	}
}

func TestBindProxyRejectsFullProxy(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	proxy := createProxy(t, db, "10.0.0.1", 1)
	createAccount(t, db, proxy.ID, 0, nil)

	_, err := alloc.BindProxy(context.Background(), db, proxy.ID)
	if !errors.Is(err, ErrProxyFull) {
		t.Fatalf("expected ErrProxyFull, got %v", err)
	}
	_, err = alloc.BindProxy(context.Background(), db, 9999)
	if !errors.Is(err, ErrProxyFull) {
		t.Fatalf("expected ErrProxyFull for unknown proxy, got %v", err)
	}
}

func TestSelectManyOrdersByUsageThenRecency(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	proxy := createProxy(t, db, "10.0.0.1", 0)

	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-time.Hour)
	heavy := createAccount(t, db, proxy.ID, 5, nil)
	recent := createAccount(t, db, proxy.ID, 1, &newer)
	stale := createAccount(t, db, proxy.ID, 1, &older)
	never := createAccount(t, db, proxy.ID, 1, nil)

	got, err := alloc.SelectMany(context.Background(), testPost, 3)
	if err != nil {
		t.Fatalf("select many: %v", err)
	}
	want := []uint64{never.ID, stale.ID, recent.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d accounts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], got[i].ID)
		}
		if got[i].UsageCount != 2 || got[i].LastUsedAt == nil {
			t.Fatalf("expected in-memory counters bumped, got %+v", got[i])
		}
		if got[i].Proxy == nil || got[i].Proxy.ID != proxy.ID {
			t.Fatalf("expected proxy attached to account %d", got[i].ID)
		}
	}

	var reloaded models.Account
	if errFind := db.First(&reloaded, heavy.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.UsageCount != 5 {
		t.Fatalf("unselected account usage changed: %d", reloaded.UsageCount)
	}
	if errFind := db.First(&reloaded, never.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.UsageCount != 2 || reloaded.LastUsedAt == nil {
		t.Fatalf("expected persisted usage 2, got %d", reloaded.UsageCount)
	}
}

func TestSelectManyExcludesInactiveAndUsed(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()
	proxy := createProxy(t, db, "10.0.0.1", 0)

	var accounts []models.Account
	for i := 0; i < 5; i++ {
		accounts = append(accounts, createAccount(t, db, proxy.ID, 0, nil))
	}
	deactivate(t, db, accounts[4])
	for _, used := range accounts[:2] {
		if _, errMark := alloc.MarkUsed(ctx, used.ID, testPost); errMark != nil {
			t.Fatalf("mark used: %v", errMark)
		}
	}

	available, errCount := alloc.CountAvailable(ctx, testPost)
	if errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if available != 2 {
		t.Fatalf("expected 2 available, got %d", available)
	}

	got, err := alloc.SelectMany(ctx, testPost, 10)
	if err != nil {
		t.Fatalf("select many: %v", err)
	}
	if len(got) != 2 || got[0].ID != accounts[2].ID || got[1].ID != accounts[3].ID {
		t.Fatalf("expected accounts %d and %d, got %+v", accounts[2].ID, accounts[3].ID, got)
	}

	other, err := alloc.SelectMany(ctx, "https://t.me/x/2", 10)
	if err != nil {
		t.Fatalf("select other post: %v", err)
	}
	if len(other) != 4 {
		t.Fatalf("expected 4 accounts for another post, got %d", len(other))
	}
}

func TestSelectOneReturnsNilWhenExhausted(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()
	proxy := createProxy(t, db, "10.0.0.1", 0)
	account := createAccount(t, db, proxy.ID, 0, nil)

	got, err := alloc.SelectOne(ctx, testPost)
	if err != nil || got == nil || got.ID != account.ID {
		t.Fatalf("expected account %d, got %v (err=%v)", account.ID, got, err)
	}
	if _, errMark := alloc.MarkUsed(ctx, account.ID, testPost); errMark != nil {
		t.Fatalf("mark used: %v", errMark)
	}

	got, err = alloc.SelectOne(ctx, testPost)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil account, got %d", got.ID)
	}
	if empty, errMany := alloc.SelectMany(ctx, testPost, 0); errMany != nil || len(empty) != 0 {
		t.Fatalf("expected empty result for n=0, got %v %v", empty, errMany)
	}
}

func TestMarkUsedIsIdempotent(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()
	proxy := createProxy(t, db, "10.0.0.1", 0)
	account := createAccount(t, db, proxy.ID, 0, nil)

	created, err := alloc.MarkUsed(ctx, account.ID, testPost)
	if err != nil || !created {
		t.Fatalf("expected first mark to create, got %v %v", created, err)
	}
	created, err = alloc.MarkUsed(ctx, account.ID, testPost)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if created {
		t.Fatalf("expected second mark to be a no-op")
	}
	ids, errList := alloc.UsedAccountIDs(ctx, testPost)
	if errList != nil {
		t.Fatalf("list ledger: %v", errList)
	}
	if len(ids) != 1 || ids[0] != account.ID {
		t.Fatalf("expected single ledger row, got %v", ids)
	}
}

func TestSelectOneConcurrentCallersGetDistinctAccounts(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	proxy := createProxy(t, db, "10.0.0.1", 0)
	for i := 0; i < 30; i++ {
		createAccount(t, db, proxy.ID, 0, nil)
	}

	const callers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]int)
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account, err := alloc.SelectOne(context.Background(), testPost)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if account != nil {
				seen[account.ID]++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(seen) != callers {
		t.Fatalf("expected %d distinct accounts, got %d", callers, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("account %d handed out %d times", id, count)
		}
	}
}

func TestSelectManyReservesUntilRelease(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()
	proxy := createProxy(t, db, "10.0.0.1", 0)
	first := createAccount(t, db, proxy.ID, 0, nil)
	second := createAccount(t, db, proxy.ID, 0, nil)

	held, err := alloc.SelectMany(ctx, testPost, 1)
	if err != nil || len(held) != 1 || held[0].ID != first.ID {
		t.Fatalf("expected account %d, got %+v (err=%v)", first.ID, held, err)
	}
	available, errCount := alloc.CountAvailable(ctx, testPost)
	if errCount != nil || available != 1 {
		t.Fatalf("reserved account must not count as available, got %d (err=%v)", available, errCount)
	}
	next, err := alloc.SelectMany(ctx, testPost, 2)
	if err != nil || len(next) != 1 || next[0].ID != second.ID {
		t.Fatalf("expected only account %d, got %+v (err=%v)", second.ID, next, err)
	}
	other, err := alloc.SelectMany(ctx, "https://t.me/x/2", 2)
	if err != nil || len(other) != 2 {
		t.Fatalf("reservations are per post, got %d accounts (err=%v)", len(other), err)
	}

	if errRelease := alloc.Release(ctx, testPost, []uint64{first.ID, second.ID}); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	available, errCount = alloc.CountAvailable(ctx, testPost)
	if errCount != nil || available != 2 {
		t.Fatalf("expected 2 available after release, got %d (err=%v)", available, errCount)
	}
}

func TestSelectManyTakesOverExpiredReservation(t *testing.T) {
	db := setupAllocatorDB(t)
	alloc := New(db)
	ctx := context.Background()
	proxy := createProxy(t, db, "10.0.0.1", 0)
	account := createAccount(t, db, proxy.ID, 0, nil)

	if _, err := alloc.SelectMany(ctx, testPost, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	later := time.Now().UTC().Add(2 * defaultReservationTTL)
	alloc.now = func() time.Time { return later }

	got, err := alloc.SelectMany(ctx, testPost, 1)
	if err != nil || len(got) != 1 || got[0].ID != account.ID {
		t.Fatalf("expired reservation should not block account %d, got %+v (err=%v)", account.ID, got, err)
	}
	var reservation models.AccountPostReservation
	if errFind := db.Where("account_id = ? AND post_url = ?", account.ID, testPost).First(&reservation).Error; errFind != nil {
		t.Fatalf("load reservation: %v", errFind)
	}
	if !reservation.ExpiresAt.After(later) {
		t.Fatalf("expected reservation renewed past %v, got %v", later, reservation.ExpiresAt)
	}
}
