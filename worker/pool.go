// Package worker runs the ingestion worker pool: a fixed number of
// goroutines block-popping jobs from the Redis queue and driving the
// document processor, plus a janitor that reclaims jobs from dead workers.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/ingest"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/queue"
)

// maxAttempts bounds automatic requeues of a job that keeps hitting
// infrastructure failures. Document-level failures are terminal immediately;
// the reprocess endpoint is the retry path for those.
const maxAttempts = 3

// JobQueue is the queue surface the pool consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	MarkProcessing(ctx context.Context, job queue.Job, deadline time.Time) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, job queue.Job, requeue bool) error
	ReclaimStale(ctx context.Context) (int, error)
}

// Processor is the ingestion surface the pool drives.
type Processor interface {
	Process(ctx context.Context, workspaceID, documentID string) (ingest.Outcome, error)
}

// Config configures the worker pool.
type Config struct {
	Workers        int
	JobTimeout     time.Duration
	DequeueTimeout time.Duration
	ReclaimEvery   time.Duration
}

// Pool owns the worker goroutines.
type Pool struct {
	queue     JobQueue
	processor Processor
	cfg       Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(q JobQueue, processor Processor, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = time.Minute
	}
	return &Pool{queue: q, processor: processor, cfg: cfg}
}

// Start launches the workers and the reclaim janitor. It returns
// immediately; Stop blocks until all of them drain.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	common.Logger.WithField("workers", p.cfg.Workers).Info("starting ingestion worker pool")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.wg.Add(1)
	go p.runJanitor(ctx)
}

// Stop cancels all workers and waits for in-flight jobs to finish or time
// out.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	common.Logger.Info("ingestion worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := common.Logger.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.processNext(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("worker iteration failed")
			// Back off so a dead Redis does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Pool) processNext(ctx context.Context, workerID int) error {
	job, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	log := common.Logger.
		WithField("worker", workerID).
		WithField("request_id", job.ID).
		WithField("document_id", job.DocumentID).
		WithField("workspace_id", job.WorkspaceID)

	deadline := time.Now().Add(p.cfg.JobTimeout)
	if err := p.queue.MarkProcessing(ctx, *job, deadline); err != nil {
		log.WithError(err).Warn("cannot mark job processing, requeueing")
		return p.queue.Fail(ctx, *job, true)
	}

	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	outcome, err := p.processor.Process(jobCtx, job.WorkspaceID, job.DocumentID)
	elapsed := time.Since(start)

	if err != nil {
		log.WithError(err).WithField("elapsed", elapsed).Warn("ingestion failed")
		return p.queue.Fail(ctx, *job, p.shouldRequeue(*job, err))
	}

	log.WithField("outcome", string(outcome)).WithField("elapsed", elapsed).Info("job finished")
	return p.queue.Complete(ctx, job.ID)
}

// shouldRequeue retries only infrastructure failures; document-level errors
// are already persisted on the document row and retrying would just repeat
// them.
func (p *Pool) shouldRequeue(job queue.Job, err error) bool {
	if job.Attempts+1 >= maxAttempts {
		return false
	}
	var typed *model.Error
	if errors.As(err, &typed) {
		return typed.Code == model.CodeServiceUnavailable
	}
	return false
}

func (p *Pool) runJanitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimStale(ctx)
			if err != nil {
				if ctx.Err() == nil {
					common.Logger.WithError(err).Warn("stale job reclaim failed")
				}
				continue
			}
			if n > 0 {
				common.Logger.WithField("count", n).Info("reclaimed stale ingestion jobs")
			}
		}
	}
}
