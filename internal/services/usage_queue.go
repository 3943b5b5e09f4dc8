package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services/jobqueue"
)

// JobTypeUsageRecord is the job type carrying one models.UsageRecord.
const JobTypeUsageRecord = "usage.record"

// QueuedUsageRecorder moves usage writes off the request path. Budget checks
// still read the store directly.
type QueuedUsageRecorder struct {
	queue *jobqueue.Queue
	store UsageRecorder
}

func NewQueuedUsageRecorder(queue *jobqueue.Queue, store UsageRecorder) *QueuedUsageRecorder {
	return &QueuedUsageRecorder{queue: queue, store: store}
}

// Record stamps the ID and creation time, then enqueues rec. Failed executions jump ahead of successes so spend
// from retries is visible to budget checks sooner.
func (r *QueuedUsageRecorder) Record(ctx context.Context, rec *models.UsageRecord) error {
	if rec == nil {
		return fmt.Errorf("usage record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	priority := jobqueue.PriorityNormal
	if rec.Status != models.UsageStatusSuccess {
		priority = jobqueue.PriorityHigh
	}
	if _, err := r.queue.EnqueueWithOptions(ctx, JobTypeUsageRecord, rec, jobqueue.EnqueueOptions{Priority: priority}); err != nil {
		return fmt.Errorf("enqueue usage record: %w", err)
	}
	return nil
}

func (r *QueuedUsageRecorder) IsDailyBudgetExceeded(ctx context.Context, dailyBudget decimal.Decimal, orgID string) (bool, error) {
	return r.store.IsDailyBudgetExceeded(ctx, dailyBudget, orgID)
}

// UsageRecordHandler persists queued usage records. Undecodable payloads are
// dead-lettered immediately.
func UsageRecordHandler(store UsageRecorder) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var rec models.UsageRecord
		if err := job.Decode(&rec); err != nil {
			return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
		}
		return store.Record(ctx, &rec)
	}
}
