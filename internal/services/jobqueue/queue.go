// Package jobqueue provides a Redis-backed job queue with priority levels,
// delayed retries and a dead letter list. It carries write-behind work such
// as usage records off the request path.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue manages job queuing using Redis.
type Queue struct {
	client       *redis.Client
	namespace    string
	queues       map[Priority]string
	scheduled    string
	deadLetter   string
	maxAttempts  int
	retryBackoff time.Duration
}

// Priority defines job priority levels.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// dequeue order
var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Job represents a unit of work to be processed.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into dest.
func (j *Job) Decode(dest any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Type, err)
	}
	return nil
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`

	raw string
}

// Config defines queue configuration.
type Config struct {
	Namespace    string
	MaxAttempts  int
	RetryBackoff time.Duration
}

// New creates a new job queue.
func New(client *redis.Client, cfg Config) *Queue {
	ns := cfg.Namespace
	if ns == "" {
		ns = "optiroute:jobs"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	return &Queue{
		client:    client,
		namespace: ns,
		queues: map[Priority]string{
			PriorityLow:    ns + ":queue:low",
			PriorityNormal: ns + ":queue:normal",
			PriorityHigh:   ns + ":queue:high",
		},
		scheduled:    ns + ":scheduled",
		deadLetter:   ns + ":deadletter",
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}
}

// EnqueueOptions configures enqueue behavior.
type EnqueueOptions struct {
	Priority    Priority
	MaxAttempts int
	ScheduleFor *time.Time
}

// Enqueue marshals payload and adds a job at normal priority.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (*Job, error) {
	return q.EnqueueWithOptions(ctx, jobType, payload, EnqueueOptions{Priority: PriorityNormal})
}

// EnqueueWithOptions adds a job with custom options.
func (q *Queue) EnqueueWithOptions(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (*Job, error) {
	if q.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if _, ok := q.queues[opts.Priority]; !ok {
		return nil, fmt.Errorf("unknown priority %d", opts.Priority)
	}

	job := Job{
		ID:           uuid.NewString(),
		Type:         jobType,
		Priority:     opts.Priority,
		CreatedAt:    time.Now().UTC(),
		MaxAttempts:  opts.MaxAttempts,
		ScheduledFor: opts.ScheduleFor,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
		}
		job.Payload = raw
	}

	if err := q.push(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if job.ScheduledFor != nil && job.ScheduledFor.After(time.Now()) {
		score := float64(job.ScheduledFor.UnixMilli())
		if err := q.client.ZAdd(ctx, q.scheduled, redis.Z{Score: score, Member: data}).Err(); err != nil {
			return fmt.Errorf("failed to schedule job: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, q.queues[job.Priority], data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue returns the next due job in priority order. found is false when
// every queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, bool, error) {
	if q.client == nil {
		return nil, false, errors.New("redis client is nil")
	}

	if err := q.promoteScheduled(ctx); err != nil {
		return nil, false, err
	}

	for _, priority := range priorities {
		result, err := q.client.RPop(ctx, q.queues[priority]).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to dequeue: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(result), &job); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal job: %w", err)
		}

		job.Attempts++
		return &job, true, nil
	}

	return nil, false, nil
}

// Fail schedules a retry with linear backoff, or moves the job to the dead
// letter list once MaxAttempts is reached. deadLettered reports which happened.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (deadLettered bool, err error) {
	if job == nil {
		return false, errors.New("job is nil")
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job.LastError = msg

	if job.Attempts < job.MaxAttempts {
		at := time.Now().Add(q.retryBackoff * time.Duration(job.Attempts))
		job.ScheduledFor = &at
		if err := q.push(ctx, job); err != nil {
			return false, fmt.Errorf("failed to requeue job: %w", err)
		}
		return false, nil
	}

	data, err := json.Marshal(DeadLetter{Job: *job, Error: msg, FailedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadLetter, data).Err(); err != nil {
		return false, fmt.Errorf("failed to add to dead letter: %w", err)
	}
	return true, nil
}

// Depth is the backlog per priority plus scheduled and dead jobs.
type Depth struct {
	Low        int64 `json:"low"`
	Normal     int64 `json:"normal"`
	High       int64 `json:"high"`
	Scheduled  int64 `json:"scheduled"`
	DeadLetter int64 `json:"dead_letter"`
}

// Pending is the number of jobs waiting to run now or later.
func (d Depth) Pending() int64 {
	return d.Low + d.Normal + d.High + d.Scheduled
}

// Depth reads every list length in one round trip.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	low := pipe.LLen(ctx, q.queues[PriorityLow])
	normal := pipe.LLen(ctx, q.queues[PriorityNormal])
	high := pipe.LLen(ctx, q.queues[PriorityHigh])
	scheduled := pipe.ZCard(ctx, q.scheduled)
	dead := pipe.LLen(ctx, q.deadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Low:        low.Val(),
		Normal:     normal.Val(),
		High:       high.Val(),
		Scheduled:  scheduled.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// PeekDeadLetter returns up to count dead jobs, newest first, without removing them.
func (q *Queue) PeekDeadLetter(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		return nil, nil
	}
	items, err := q.client.LRange(ctx, q.deadLetter, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}

	out := make([]DeadLetter, 0, len(items))
	for _, item := range items {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		dl.raw = item
		out = append(out, dl)
	}
	return out, nil
}

// RequeueDeadLetter moves up to count dead jobs back to their queues with a
// fresh attempt budget and returns how many moved.
func (q *Queue) RequeueDeadLetter(ctx context.Context, count int64) (int, error) {
	dead, err := q.PeekDeadLetter(ctx, count)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, dl := range dead {
		job := dl.Job
		job.Attempts = 0
		job.ScheduledFor = nil
		if err := q.push(ctx, &job); err != nil {
			return moved, err
		}
		if err := q.client.LRem(ctx, q.deadLetter, 1, dl.raw).Err(); err != nil {
			return moved, fmt.Errorf("failed to remove from dead letter: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ClearDeadLetter removes all jobs from the dead letter queue.
func (q *Queue) ClearDeadLetter(ctx context.Context) error {
	return q.client.Del(ctx, q.deadLetter).Err()
}

func (q *Queue) promoteScheduled(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	items, err := q.client.ZRangeByScore(ctx, q.scheduled, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("failed to read scheduled jobs: %w", err)
	}

	for _, item := range items {
		// Only the consumer whose ZRem succeeds promotes the job.
		removed, err := q.client.ZRem(ctx, q.scheduled, item).Result()
		if err != nil || removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		if err := q.client.LPush(ctx, q.queues[job.Priority], item).Err(); err != nil {
			return fmt.Errorf("failed to promote scheduled job: %w", err)
		}
	}
	return nil
}

// ParsePriority converts a string to Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
