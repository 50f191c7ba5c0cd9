package views

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/postreach/viewpool/internal/allocator"
	dbutil "github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/models"
	"github.com/postreach/viewpool/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const testPost = "https://t.me/channel/42"

type fakeDispatcher struct {
	mu      sync.Mutex
	fail    map[uint64]bool
	calls   map[uint64]int
	failAll bool
}

func newFakeDispatcher(failIDs ...uint64) *fakeDispatcher {
	d := &fakeDispatcher{fail: map[uint64]bool{}, calls: map[uint64]int{}}
	for _, id := range failIDs {
		d.fail[id] = true
	}
	return d
}

func (d *fakeDispatcher) Dispatch(_ context.Context, account models.Account, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[account.ID]++
	if d.failAll || d.fail[account.ID] {
		return errors.New("queue unreachable")
	}
	return nil
}

func (d *fakeDispatcher) callCount(id uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

// nestedDispatcher starts a second task on the same post from inside the
// first task's dispatch phase.
type nestedDispatcher struct {
	*fakeDispatcher
	started atomic.Bool
	nested  func()
}

func (d *nestedDispatcher) Dispatch(ctx context.Context, account models.Account, postURL string) error {
	if d.started.CompareAndSwap(false, true) {
		d.nested()
	}
	return d.fakeDispatcher.Dispatch(ctx, account, postURL)
}

func setupViewsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:views_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

func seedAccounts(t *testing.T, db *gorm.DB, n int) []models.Account {
	t.Helper()
	proxy := models.Proxy{Name: "p", Host: "10.1.1.1", Port: 1080, Protocol: "socks5", IsActive: true, MaxAccounts: 100}
	if errCreate := db.Create(&proxy).Error; errCreate != nil {
		t.Fatalf("create proxy: %v", errCreate)
	}
	accounts := make([]models.Account, 0, n)
	for i := 0; i < n; i++ {
		account := models.Account{
			SessionData: []byte(fmt.Sprintf("session-%d", i)),
			JSONData:    datatypes.JSON([]byte(fmt.Sprintf(`{"user_id": %d}`, i+1))),
			ProxyID:     &proxy.ID,
			IsActive:    true,
		}
		if errCreate := db.Create(&account).Error; errCreate != nil {
			t.Fatalf("create account: %v", errCreate)
		}
		accounts = append(accounts, account)
	}
	return accounts
}

func newTestService(db *gorm.DB, d Dispatcher) *Service {
	return NewService(allocator.New(db), NewTaskStore(db), d, Options{Concurrency: 4})
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if errCount := db.Model(model).Count(&n).Error; errCount != nil {
		t.Fatalf("count rows: %v", errCount)
	}
	return n
}

func TestRequestViewsRejectsMoreThanAvailable(t *testing.T) {
	db := setupViewsDB(t)
	seedAccounts(t, db, 3)
	svc := newTestService(db, newFakeDispatcher())

	_, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 5, RequestedBy: "ops"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if n := countRows(t, db, &models.ViewTask{}); n != 0 {
		t.Fatalf("expected no task rows, got %d", n)
	}
	var bumped int64
	db.Model(&models.Account{}).Where("usage_count > 0").Count(&bumped)
	if bumped != 0 {
		t.Fatalf("usage counters must not move on rejection, %d bumped", bumped)
	}
}

func TestRequestViewsRejectsEmptyPool(t *testing.T) {
	db := setupViewsDB(t)
	svc := newTestService(db, newFakeDispatcher())

	_, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 1, RequestedBy: "ops"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestRequestViewsSelectsOnlyUnusedAccounts(t *testing.T) {
	db := setupViewsDB(t)
	accounts := seedAccounts(t, db, 5)
	for _, account := range accounts[:2] {
		if errCreate := db.Create(&models.AccountPostView{AccountID: account.ID, PostURL: testPost}).Error; errCreate != nil {
			t.Fatalf("seed ledger: %v", errCreate)
		}
	}
	dispatcher := newFakeDispatcher()
	svc := newTestService(db, dispatcher)

	result, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 3, RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("request views: %v", err)
	}
	if result.Fulfilled != 3 || result.Requested != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, account := range accounts[:2] {
		if dispatcher.callCount(account.ID) != 0 {
			t.Fatalf("account %d was already used for the post", account.ID)
		}
	}
	for _, account := range accounts[2:] {
		if got := dispatcher.callCount(account.ID); got != DefaultDuplicationFactor {
			t.Fatalf("account %d dispatched %d times, want %d", account.ID, got, DefaultDuplicationFactor)
		}
	}
	if n := countRows(t, db, &models.AccountPostView{}); n != 5 {
		t.Fatalf("expected 5 ledger rows, got %d", n)
	}
}

func TestRequestViewsToleratesPartialDispatchFailure(t *testing.T) {
	db := setupViewsDB(t)
	accounts := seedAccounts(t, db, 3)
	dispatcher := newFakeDispatcher(accounts[1].ID)
	svc := newTestService(db, dispatcher)

	result, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 3, RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("request views: %v", err)
	}
	if result.Succeeded != 4 || result.Failed != 2 {
		t.Fatalf("expected 4 succeeded and 2 failed attempts, got %+v", result)
	}

	used, errUsed := allocator.New(db).UsedAccountIDs(context.Background(), testPost)
	if errUsed != nil {
		t.Fatalf("used ids: %v", errUsed)
	}
	if len(used) != 2 || used[0] != accounts[0].ID || used[1] != accounts[2].ID {
		t.Fatalf("expected ledger %v, got %v", []uint64{accounts[0].ID, accounts[2].ID}, used)
	}

	var task models.ViewTask
	if errFind := db.First(&task, result.TaskID).Error; errFind != nil {
		t.Fatalf("load task: %v", errFind)
	}
	if task.RequestedCount != 3 || task.FulfilledCount != 3 || task.RequestedBy != "ops" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestRequestViewsAllDispatchesFailing(t *testing.T) {
	db := setupViewsDB(t)
	seedAccounts(t, db, 2)
	dispatcher := newFakeDispatcher()
	dispatcher.failAll = true
	svc := newTestService(db, dispatcher)

	result, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 2, RequestedBy: "ops"})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if result.Failed != 4 || result.Succeeded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := countRows(t, db, &models.ViewTask{}); n != 1 {
		t.Fatalf("task should persist as audit trail, got %d rows", n)
	}
	if n := countRows(t, db, &models.AccountPostView{}); n != 0 {
		t.Fatalf("ledger must stay empty, got %d rows", n)
	}
}

func TestRequestViewsWritesLedgerOncePerAccount(t *testing.T) {
	db := setupViewsDB(t)
	seedAccounts(t, db, 3)
	svc := newTestService(db, newFakeDispatcher())

	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{settings.DuplicationFactorKey: json.RawMessage("3")})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	result, err := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 3, RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("request views: %v", err)
	}
	if result.DuplicationFactor != 3 || result.Succeeded != 9 {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := countRows(t, db, &models.AccountPostView{}); n != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", n)
	}

	_, errAgain := svc.RequestViews(context.Background(), Request{PostURL: testPost, Count: 1, RequestedBy: "ops"})
	if !errors.Is(errAgain, ErrCapacityExceeded) {
		t.Fatalf("every account is used for the post, got %v", errAgain)
	}
}

func TestRequestViewsValidatesInput(t *testing.T) {
	svc := NewService(nil, nil, nil, Options{})
	cases := []Request{
		{PostURL: " ", Count: 1, RequestedBy: "ops"},
		{PostURL: testPost, Count: 0, RequestedBy: "ops"},
		{PostURL: testPost, Count: 1, RequestedBy: ""},
	}
	for _, req := range cases {
		if _, err := svc.RequestViews(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("request %+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestAddViewUsesEachAccountOnce(t *testing.T) {
	db := setupViewsDB(t)
	seedAccounts(t, db, 2)
	svc := newTestService(db, newFakeDispatcher())
	ctx := context.Background()

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		account, err := svc.AddView(ctx, testPost)
		if err != nil {
			t.Fatalf("add view %d: %v", i, err)
		}
		if seen[account.ID] {
			t.Fatalf("account %d reused", account.ID)
		}
		seen[account.ID] = true
	}
	if _, err := svc.AddView(ctx, testPost); !errors.Is(err, allocator.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestRequestViewsOverlappingTasksOnOnePostShareNoAccount(t *testing.T) {
	db := setupViewsDB(t)
	accounts := seedAccounts(t, db, 5)
	dispatcher := &nestedDispatcher{fakeDispatcher: newFakeDispatcher()}
	svc := newTestService(db, dispatcher)
	ctx := context.Background()

	var (
		second    Result
		errSecond error
		errBig    error
	)
	dispatcher.nested = func() {
		_, errBig = svc.RequestViews(ctx, Request{PostURL: testPost, Count: 3, RequestedBy: "other"})
		second, errSecond = svc.RequestViews(ctx, Request{PostURL: testPost, Count: 2, RequestedBy: "other"})
	}

	first, errFirst := svc.RequestViews(ctx, Request{PostURL: testPost, Count: 3, RequestedBy: "ops"})
	if errFirst != nil {
		t.Fatalf("first task: %v", errFirst)
	}
	if !errors.Is(errBig, ErrCapacityExceeded) {
		t.Fatalf("accounts held by the running task must not count as available, got %v", errBig)
	}
	if errSecond != nil {
		t.Fatalf("second task: %v", errSecond)
	}
	if first.Fulfilled != 3 || second.Fulfilled != 2 {
		t.Fatalf("unexpected results %+v %+v", first, second)
	}
	for _, account := range accounts {
		if got := dispatcher.callCount(account.ID); got != DefaultDuplicationFactor {
			t.Fatalf("account %d dispatched %d times, want %d", account.ID, got, DefaultDuplicationFactor)
		}
	}
	if n := countRows(t, db, &models.AccountPostView{}); n != 5 {
		t.Fatalf("expected 5 ledger rows, got %d", n)
	}
	if n := countRows(t, db, &models.AccountPostReservation{}); n != 0 {
		t.Fatalf("reservations must be released, %d left", n)
	}
}

func TestAddViewReleasesAccountAfterFailedDispatch(t *testing.T) {
	db := setupViewsDB(t)
	seedAccounts(t, db, 1)
	dispatcher := newFakeDispatcher()
	dispatcher.failAll = true
	svc := newTestService(db, dispatcher)
	ctx := context.Background()

	if _, err := svc.AddView(ctx, testPost); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	dispatcher.mu.Lock()
	dispatcher.failAll = false
	dispatcher.mu.Unlock()
	if _, err := svc.AddView(ctx, testPost); err != nil {
		t.Fatalf("account should be selectable again after a failed dispatch: %v", err)
	}
}
