// Package views allocates pool accounts to a post and fans the resulting
// view jobs out to the dispatch queue.
package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/postreach/viewpool/internal/allocator"
	"github.com/postreach/viewpool/internal/models"
	"github.com/postreach/viewpool/internal/settings"
	"github.com/postreach/viewpool/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDuplicationFactor is how many times each allocated account is dispatched per task.
	DefaultDuplicationFactor = 2
	defaultConcurrency       = 8
	maxDuplicationFactor     = 10
)

var (
	ErrInvalidRequest   = errors.New("views: invalid request")
	ErrCapacityExceeded = errors.New("views: not enough available accounts")
	ErrAllocationFailed = errors.New("views: no accounts allocated")
	ErrDispatchFailed   = errors.New("views: every dispatch failed")
	ErrPersistence      = errors.New("views: persistence failure")
)

// AccountPool selects accounts and maintains the per-post ledger. Selected
// accounts stay reserved for the post until Release, so overlapping tasks on
// one post never share an account.
type AccountPool interface {
	CountAvailable(ctx context.Context, postURL string) (int64, error)
	SelectOne(ctx context.Context, postURL string) (*models.Account, error)
	SelectMany(ctx context.Context, postURL string, n int) ([]models.Account, error)
	MarkUsed(ctx context.Context, accountID uint64, postURL string) (bool, error)
	Release(ctx context.Context, postURL string, accountIDs []uint64) error
}

// TaskRecorder persists task audit rows.
type TaskRecorder interface {
	RecordTask(ctx context.Context, task *models.ViewTask) error
}

// Dispatcher delivers one view job.
type Dispatcher interface {
	Dispatch(ctx context.Context, account models.Account, postURL string) error
}

// Request asks for Count views on PostURL.
type Request struct {
	PostURL     string
	Count       int
	RequestedBy string
}

// Result summarizes one RequestViews call. Succeeded and Failed count
// dispatch attempts across every round.
type Result struct {
	TaskID            uint64
	Requested         int
	Fulfilled         int
	Succeeded         int
	Failed            int
	DuplicationFactor int
}

// Options tunes a Service.
type Options struct {
	// DuplicationFactor is used when no runtime setting overrides it.
	DuplicationFactor int
	// Concurrency bounds in-flight dispatches within one round.
	Concurrency int
}

// Service orchestrates view requests.
type Service struct {
	pool        AccountPool
	tasks       TaskRecorder
	dispatcher  Dispatcher
	factor      int
	concurrency int
}

// NewService wires a Service.
func NewService(pool AccountPool, tasks TaskRecorder, dispatcher Dispatcher, opts Options) *Service {
	s := &Service{
		pool:        pool,
		tasks:       tasks,
		dispatcher:  dispatcher,
		factor:      opts.DuplicationFactor,
		concurrency: opts.Concurrency,
	}
	if s.factor <= 0 {
		s.factor = DefaultDuplicationFactor
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	return s
}

// DuplicationFactor resolves the rounds per task, preferring the DB setting.
func (s *Service) DuplicationFactor() int {
	if v, ok := settings.IntValue(settings.DuplicationFactorKey); ok && v > 0 {
		if v > maxDuplicationFactor {
			return maxDuplicationFactor
		}
		return v
	}
	return s.factor
}

func (r Request) normalize() (Request, error) {
	r.PostURL = strings.TrimSpace(r.PostURL)
	r.RequestedBy = strings.TrimSpace(r.RequestedBy)
	switch {
	case r.PostURL == "":
		return r, fmt.Errorf("%w: post url is required", ErrInvalidRequest)
	case r.Count <= 0:
		return r, fmt.Errorf("%w: count must be positive", ErrInvalidRequest)
	case r.RequestedBy == "":
		return r, fmt.Errorf("%w: requester is required", ErrInvalidRequest)
	}
	return r, nil
}

// RequestViews allocates up to req.Count unused accounts for the post,
// records the task and dispatches each account DuplicationFactor times.
// The ledger gets one row per account after its first successful dispatch.
// Once the task row exists the rounds run to completion even if ctx is
// cancelled. A Result accompanies ErrDispatchFailed.
func (s *Service) RequestViews(ctx context.Context, req Request) (Result, error) {
	req, errValidate := req.normalize()
	if errValidate != nil {
		return Result{}, errValidate
	}
	result := Result{Requested: req.Count}

	available, errCount := s.pool.CountAvailable(ctx, req.PostURL)
	if errCount != nil {
		return result, fmt.Errorf("%w: %v", ErrPersistence, errCount)
	}
	if available == 0 || int64(req.Count) > available {
		return result, fmt.Errorf("%w: requested %d, available %d", ErrCapacityExceeded, req.Count, available)
	}

	accounts, errSelect := s.pool.SelectMany(ctx, req.PostURL, req.Count)
	if errSelect != nil {
		return result, fmt.Errorf("%w: %v", ErrPersistence, errSelect)
	}
	if len(accounts) == 0 {
		return result, ErrAllocationFailed
	}
	result.Fulfilled = len(accounts)

	fields := log.Fields{"post": util.ShortPostURL(req.PostURL), "requested_by": req.RequestedBy}
	defer s.release(ctx, req.PostURL, accounts, fields)
	if result.Fulfilled < req.Count {
		log.WithFields(fields).Warnf("views: allocated %d of %d accounts, pool shrank after count", result.Fulfilled, req.Count)
	}

	task := models.ViewTask{
		PostURL:        req.PostURL,
		RequestedCount: req.Count,
		FulfilledCount: result.Fulfilled,
		RequestedBy:    req.RequestedBy,
	}
	if errRecord := s.tasks.RecordTask(ctx, &task); errRecord != nil {
		return result, fmt.Errorf("%w: %v", ErrPersistence, errRecord)
	}
	result.TaskID = task.ID
	fields["task_id"] = task.ID

	runCtx := context.WithoutCancel(ctx)
	result.DuplicationFactor = s.DuplicationFactor()
	ledgered := make([]bool, len(accounts))
	for round := 0; round < result.DuplicationFactor; round++ {
		ok, failed := s.dispatchRound(runCtx, req.PostURL, accounts, ledgered, round, fields)
		result.Succeeded += ok
		result.Failed += failed
	}

	log.WithFields(fields).Infof("views: task done, %d accounts, %d dispatched, %d failed",
		result.Fulfilled, result.Succeeded, result.Failed)
	if result.Succeeded == 0 {
		return result, ErrDispatchFailed
	}
	return result, nil
}

// release runs after the ledger rows are written, so a released account
// stays excluded for the post whenever one of its dispatches succeeded.
func (s *Service) release(ctx context.Context, postURL string, accounts []models.Account, fields log.Fields) {
	ids := make([]uint64, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	if errRelease := s.pool.Release(context.WithoutCancel(ctx), postURL, ids); errRelease != nil {
		log.WithFields(fields).WithError(errRelease).Warn("views: release reservations")
	}
}

// dispatchRound sends one job per account with bounded concurrency. Each
// goroutine owns ledgered[i], and rounds never overlap.
func (s *Service) dispatchRound(ctx context.Context, postURL string, accounts []models.Account, ledgered []bool, round int, fields log.Fields) (int, int) {
	var succeeded, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range accounts {
		g.Go(func() error {
			account := accounts[i]
			if errDispatch := s.dispatcher.Dispatch(ctx, account, postURL); errDispatch != nil {
				failed.Add(1)
				log.WithFields(fields).WithError(errDispatch).Warnf("views: dispatch account %d round %d failed", account.ID, round)
				return nil
			}
			succeeded.Add(1)
			if ledgered[i] {
				return nil
			}
			if _, errMark := s.pool.MarkUsed(ctx, account.ID, postURL); errMark != nil {
				log.WithFields(fields).WithError(errMark).Errorf("views: record ledger for account %d", account.ID)
				return nil
			}
			ledgered[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load()), int(failed.Load())
}

// AddView dispatches a single view using the least used eligible account.
func (s *Service) AddView(ctx context.Context, postURL string) (*models.Account, error) {
	postURL = strings.TrimSpace(postURL)
	if postURL == "" {
		return nil, fmt.Errorf("%w: post url is required", ErrInvalidRequest)
	}
	account, errSelect := s.pool.SelectOne(ctx, postURL)
	if errSelect != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, errSelect)
	}
	if account == nil {
		return nil, allocator.ErrResourceExhausted
	}
	defer s.release(ctx, postURL, []models.Account{*account}, log.Fields{"post": util.ShortPostURL(postURL)})
	if errDispatch := s.dispatcher.Dispatch(ctx, *account, postURL); errDispatch != nil {
		return account, fmt.Errorf("%w: %v", ErrDispatchFailed, errDispatch)
	}
	if _, errMark := s.pool.MarkUsed(ctx, account.ID, postURL); errMark != nil {
		return account, fmt.Errorf("%w: %v", ErrPersistence, errMark)
	}
	return account, nil
}
