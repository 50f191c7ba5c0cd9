package imports

import (
	"context"
	"errors"
	"time"

	"github.com/postreach/viewpool/internal/models"
	"github.com/postreach/viewpool/internal/queue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 2
	defaultPollTimeout = 5 * time.Second
	reserveBackoff     = time.Second
)

// JobQueue is the reliable queue the worker consumes.
type JobQueue interface {
	Reserve(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, job string) error
}

// Processor handles one batch id.
type Processor interface {
	Process(ctx context.Context, batchID string) (models.AccountImport, error)
}

// Worker runs a fixed pool of goroutines draining the import queue.
type Worker struct {
	queue       JobQueue
	processor   Processor
	workers     int
	pollTimeout time.Duration
}

// NewWorker builds a worker pool of size workers.
func NewWorker(q JobQueue, processor Processor, workers int) *Worker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Worker{queue: q, processor: processor, workers: workers, pollTimeout: defaultPollTimeout}
}

// Run blocks until ctx is cancelled. A batch in progress is finished first.
func (w *Worker) Run(ctx context.Context) error {
	log.Infof("imports: worker started (workers=%d)", w.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		slot := i
		g.Go(func() error {
			w.loop(gctx, slot)
			return nil
		})
	}
	errWait := g.Wait()
	log.Info("imports: worker stopped")
	return errWait
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		job, errReserve := w.queue.Reserve(ctx, w.pollTimeout)
		if errors.Is(errReserve, queue.ErrEmpty) {
			continue
		}
		if errReserve != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(errReserve).WithField("slot", slot).Warn("imports: reserve failed")
			if !sleepCtx(ctx, reserveBackoff) {
				return
			}
			continue
		}
		w.handle(ctx, slot, job)
	}
}

func (w *Worker) handle(ctx context.Context, slot int, batchID string) {
	batch, errProcess := w.processor.Process(ctx, batchID)
	if errProcess != nil {
		log.WithError(errProcess).WithFields(log.Fields{"slot": slot, "batch": batchID}).Warn("imports: batch not completed")
	} else {
		log.WithFields(log.Fields{"slot": slot, "batch": batchID}).Debugf("imports: batch status %s", batch.Status)
	}
	if errAck := w.queue.Ack(context.WithoutCancel(ctx), batchID); errAck != nil {
		log.WithError(errAck).WithField("batch", batchID).Warn("imports: ack failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return false
	case <-timer.C:
		return true
	}
}
