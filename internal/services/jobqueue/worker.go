package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes jobs of a specific type.
type Handler func(ctx context.Context, job *Job) error

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// WorkerConfig tunes polling and concurrency.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  2,
		PollInterval: 200 * time.Millisecond,
		JobTimeout:   10 * time.Second,
	}
}

// Worker drains a Queue, dispatching jobs to handlers by type.
type Worker struct {
	queue  *Queue
	cfg    WorkerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	observe  func(jobType, result string)

	processed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

func NewWorker(queue *Queue, cfg WorkerConfig, logger *zap.Logger) *Worker {
	d := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = d.JobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// OnResult registers a callback receiving "ok", "retry" or "dead_letter"
// for every handled job.
func (w *Worker) OnResult(fn func(jobType, result string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observe = fn
}

func (w *Worker) report(jobType, result string) {
	w.mu.RLock()
	fn := w.observe
	w.mu.RUnlock()
	if fn != nil {
		fn(jobType, result)
	}
}

// Run polls until ctx is canceled. Jobs in flight finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}
			handled, err := w.ProcessOne(ctx)
			if err != nil {
				w.logger.Warn("Job queue poll failed", zap.Error(err))
				break
			}
			if !handled {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne dequeues and handles a single job. handled is false when the
// queue was empty.
func (w *Worker) ProcessOne(ctx context.Context) (handled bool, err error) {
	job, found, err := w.queue.Dequeue(ctx)
	if err != nil || !found {
		return false, err
	}

	// Dequeued jobs are finished even when the worker is shutting down.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	herr := w.handle(jobCtx, job)
	if herr == nil {
		w.processed.Add(1)
		w.report(job.Type, "ok")
		return true, nil
	}

	w.failed.Add(1)
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Error(herr),
	)
	if errors.Is(herr, ErrPermanent) {
		job.Attempts = job.MaxAttempts
	}
	dead, ferr := w.queue.Fail(jobCtx, job, herr)
	if ferr != nil {
		log.Error("Failed to reschedule job", zap.NamedError("fail_error", ferr))
		return true, nil
	}
	if dead {
		w.deadLettered.Add(1)
		w.report(job.Type, "dead_letter")
		log.Error("Job moved to dead letter")
	} else {
		w.report(job.Type, "retry")
		log.Warn("Job failed, retry scheduled")
	}
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for job type %q", ErrPermanent, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

type WorkerStats struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed:    w.processed.Load(),
		Failed:       w.failed.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
}
