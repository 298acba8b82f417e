// Package dispatch implements the durable delivery job queue on Redis.
//
// Guarantees:
//   - unique job ids: enqueuing an id twice collapses to one pending job
//     (SETNX on the payload key);
//   - delayed execution: a sorted set holds jobs until their run-at instant;
//   - at-least-once delivery: a claimed job that is neither completed nor
//     failed can be re-enqueued by the recovery sweep (jobs are keyed by the
//     scheduled-send idempotency key, so duplicates collapse);
//   - bounded retries with exponential backoff (2s, 4s, 8s, 16s, 32s);
//   - completed jobs are deleted; failed jobs are retained with a TTL for
//     inspection.
//
// The job id always equals the scheduled-send record's idempotency key.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace   = "candle"
	defaultMaxAttempts = 5
	defaultBaseDelay   = 2 * time.Second
	defaultRetention   = 7 * 24 * time.Hour
)

// Job is the queue payload handed to the delivery worker.
type Job struct {
	ID           string    `json:"id"` // scheduled-send idempotency key
	RecipientID  string    `json:"recipient_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	TraceID      string    `json:"trace_id"`
	Attempts     int       `json:"attempts"` // queue delivery attempts made
}

// FailedRecord is the retained trace of a job that exhausted its retries or
// hit a permanent error.
type FailedRecord struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Option is a functional option for configuring the queue.
type Option func(*Queue)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) Option {
	return func(q *Queue) {
		if ns != "" {
			q.namespace = ns
		}
	}
}

// WithMaxAttempts bounds per-job retries.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the backoff base (delay after the first failure).
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithRetention sets how long failed-job records are kept.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is the Redis-backed dispatcher.
type Queue struct {
	client      *redis.Client
	namespace   string
	maxAttempts int
	baseDelay   time.Duration
	retention   time.Duration
	now         func() time.Time
}

// New connects to redisURL (e.g. "redis://localhost:6379/0") and returns the
// queue. The connection is verified with a ping.
func New(redisURL string, opts ...Option) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:      client,
		namespace:   defaultNamespace,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		retention:   defaultRetention,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts returns the configured per-job retry bound.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

func (q *Queue) jobKey(id string) string    { return q.namespace + ":job:" + id }
func (q *Queue) failedKey(id string) string { return q.namespace + ":failed:" + id }
func (q *Queue) readyKey() string           { return q.namespace + ":ready" }
func (q *Queue) delayedKey() string         { return q.namespace + ":delayed" }

// Enqueue adds the job, optionally delayed. Returns false when a job with the
// same id is already queued or in flight; the duplicate is expected and is
// not an error.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	ok, err := q.client.SetNX(ctx, q.jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("reserve job %s: %w", job.ID, err)
	}
	if !ok {
		return false, nil
	}

	if delay > 0 {
		runAt := q.now().Add(delay)
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return false, fmt.Errorf("delay job %s: %w", job.ID, err)
		}
		return true, nil
	}

	if err := q.client.RPush(ctx, q.readyKey(), job.ID).Err(); err != nil {
		return false, fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return true, nil
}

// Exists reports whether a job with the id is queued or in flight.
func (q *Queue) Exists(ctx context.Context, id string) (bool, error) {
	n, err := q.client.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", id, err)
	}
	return n > 0, nil
}

// Remove deletes a queued job that has not been claimed. Claimed jobs are
// unaffected: their id is no longer in the ready list, and the payload delete
// only prevents a later re-claim. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	var errs []error
	if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
		errs = append(errs, err)
	}
	if err := q.client.LRem(ctx, q.readyKey(), 0, id).Err(); err != nil {
		errs = append(errs, err)
	}
	if err := q.client.ZRem(ctx, q.delayedKey(), id).Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove job %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// promote moves due members of the delayed set onto the ready list.
func (q *Queue) promote(ctx context.Context) error {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}

	for _, id := range ids {
		// ZRem first so a concurrent promoter cannot push the id twice.
		n, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(), id).Err(); err != nil {
			return fmt.Errorf("push promoted job %s: %w", id, err)
		}
	}
	return nil
}

// Claim pops the next ready job, promoting due delayed jobs first. Returns
// (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	for {
		id, err := q.client.LPop(ctx, q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop ready job: %w", err)
		}

		data, err := q.client.Get(ctx, q.jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Payload removed (planner cancellation) after the id was
			// promoted; skip to the next job.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", id, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		return &job, nil
	}
}

// Retry re-schedules a claimed job after exponential backoff. The returned
// job carries the incremented attempt count.
func (q *Queue) Retry(ctx context.Context, job Job) (Job, error) {
	job.Attempts++
	payload, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	delay := q.BackoffDelay(job.Attempts)
	runAt := q.now().Add(delay)

	if err := q.client.Set(ctx, q.jobKey(job.ID), payload, 0).Err(); err != nil {
		return job, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return job, fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	return job, nil
}

// BackoffDelay returns the delay before retry n (1-based): base, 2*base,
// 4*base, ... capped at 2^5*base.
func (q *Queue) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return q.baseDelay << shift
}

// Complete acknowledges a claimed job as done and deletes it.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail acknowledges a claimed job as permanently failed, deleting the live
// job and retaining an inspection record for the retention window.
func (q *Queue) Fail(ctx context.Context, job Job, reason string) error {
	record := FailedRecord{Job: job, Reason: reason, FailedAt: q.now().UTC()}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal failed record %s: %w", job.ID, err)
	}

	if err := q.client.Del(ctx, q.jobKey(job.ID)).Err(); err != nil {
		return fmt.Errorf("drop failed job %s: %w", job.ID, err)
	}
	if err := q.client.Set(ctx, q.failedKey(job.ID), payload, q.retention).Err(); err != nil {
		return fmt.Errorf("retain failed job %s: %w", job.ID, err)
	}
	return nil
}

// Failed returns the retained record for a failed job id, or (nil, nil) when
// none is retained.
func (q *Queue) Failed(ctx context.Context, id string) (*FailedRecord, error) {
	data, err := q.client.Get(ctx, q.failedKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load failed record %s: %w", id, err)
	}
	var record FailedRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode failed record %s: %w", id, err)
	}
	return &record, nil
}

// Depth returns the ready and delayed backlog sizes (for health reporting).
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ready depth: %w", err)
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("delayed depth: %w", err)
	}
	return ready, delayed, nil
}

// Ping verifies queue connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
