package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// ErrUnavailable marks a broker operation that failed because Redis could
// not be reached. Callers branch on it to degrade instead of propagating.
var ErrUnavailable = errors.New("queue broker unavailable")

// QueueError wraps a broker failure with the operation that hit it.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return ErrUnavailable
}

func brokerErr(op string, err error) error {
	return &QueueError{Op: op, Err: err}
}

// Broker is the capability surface of the durable job broker.
type Broker interface {
	Enqueue(ctx context.Context, job *Job) error
	Pop(ctx context.Context, channel db.Channel) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	Fail(ctx context.Context, job *Job, reason string) error
	ListFailed(ctx context.Context, channel db.Channel) ([]*Job, error)
	RequeueFailed(ctx context.Context, channel db.Channel, jobID uuid.UUID) (*Job, error)
	Stats(ctx context.Context, channel db.Channel) (Stats, error)
	Pause(ctx context.Context, channel db.Channel) error
	Resume(ctx context.Context, channel db.Channel) error
	Clean(ctx context.Context, channel db.Channel, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// promoteBatch caps how many due delayed jobs one Pop promotes.
const promoteBatch = 100

// RedisBroker implements Broker on Redis sorted sets: a ready zset ordered
// by priority, a delayed zset ordered by due time, and hashes for job
// bodies, failed jobs, and counters.
type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(rdb *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:    rdb,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the broker's time source. Used in tests.
func (b *RedisBroker) WithClock(now func() time.Time) *RedisBroker {
	b.now = now
	return b
}

func keyReady(c db.Channel) string   { return fmt.Sprintf("herald:queue:%s:ready", c) }
func keyDelayed(c db.Channel) string { return fmt.Sprintf("herald:queue:%s:delayed", c) }
func keyJobs(c db.Channel) string    { return fmt.Sprintf("herald:queue:%s:jobs", c) }
func keyFailed(c db.Channel) string  { return fmt.Sprintf("herald:queue:%s:failed", c) }
func keyStats(c db.Channel) string   { return fmt.Sprintf("herald:queue:%s:stats", c) }
func keyPaused(c db.Channel) string  { return fmt.Sprintf("herald:queue:%s:paused", c) }

// readyScore orders the ready zset by priority first, then enqueue time
// (earlier first) within one priority.
func readyScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e15 - float64(enqueuedAt.UnixMicro())
}

// Ping reports broker reachability.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return brokerErr("ping", err)
	}
	return nil
}

// Enqueue adds a job to its channel queue. A job whose RunAt is in the
// future is parked in the delayed set; it occupies no worker slot until due.
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = b.now()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, keyJobs(job.Channel), job.ID.String(), body)
	if job.RunAt.After(b.now()) {
		pipe.ZAdd(ctx, keyDelayed(job.Channel), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: job.ID.String(),
		})
	} else {
		pipe.ZAdd(ctx, keyReady(job.Channel), redis.Z{
			Score:  readyScore(job.Priority, job.EnqueuedAt),
			Member: job.ID.String(),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("enqueue", err)
	}

	b.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", string(job.Channel)),
		zap.Int("priority", job.Priority),
		zap.Time("run_at", job.RunAt),
	)

	return nil
}

// Pop promotes due delayed jobs, then returns the highest-priority ready
// job, or nil when the queue is empty or paused.
func (b *RedisBroker) Pop(ctx context.Context, channel db.Channel) (*Job, error) {
	paused, err := b.rdb.Exists(ctx, keyPaused(channel)).Result()
	if err != nil {
		return nil, brokerErr("pop", err)
	}
	if paused > 0 {
		return nil, nil
	}

	if err := b.promoteDue(ctx, channel); err != nil {
		return nil, err
	}

	popped, err := b.rdb.ZPopMax(ctx, keyReady(channel), 1).Result()
	if err != nil {
		return nil, brokerErr("pop", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID, _ := popped[0].Member.(string)
	body, err := b.rdb.HGet(ctx, keyJobs(channel), jobID).Result()
	if errors.Is(err, redis.Nil) {
		// Body cleaned from under the index entry; treat as empty.
		return nil, nil
	}
	if err != nil {
		return nil, brokerErr("pop", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}

	if err := b.rdb.HIncrBy(ctx, keyStats(channel), "active", 1).Err(); err != nil {
		return nil, brokerErr("pop", err)
	}

	return &job, nil
}

func (b *RedisBroker) promoteDue(ctx context.Context, channel db.Channel) error {
	due, err := b.rdb.ZRangeByScore(ctx, keyDelayed(channel), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", b.now().UnixMilli()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return brokerErr("promote", err)
	}
	if len(due) == 0 {
		return nil
	}

	for _, jobID := range due {
		body, err := b.rdb.HGet(ctx, keyJobs(channel), jobID).Result()
		if errors.Is(err, redis.Nil) {
			b.rdb.ZRem(ctx, keyDelayed(channel), jobID)
			continue
		}
		if err != nil {
			return brokerErr("promote", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return fmt.Errorf("unmarshal delayed job %s: %w", jobID, err)
		}

		pipe := b.rdb.Pipeline()
		pipe.ZRem(ctx, keyDelayed(channel), jobID)
		pipe.ZAdd(ctx, keyReady(channel), redis.Z{
			Score:  readyScore(job.Priority, job.EnqueuedAt),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return brokerErr("promote", err)
		}
	}

	return nil
}

// Complete destroys a finished job and bumps the completed counter.
func (b *RedisBroker) Complete(ctx context.Context, job *Job) error {
	pipe := b.rdb.Pipeline()
	pipe.HDel(ctx, keyJobs(job.Channel), job.ID.String())
	pipe.HIncrBy(ctx, keyStats(job.Channel), "active", -1)
	pipe.HIncrBy(ctx, keyStats(job.Channel), "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("complete", err)
	}
	return nil
}

// Retry parks a job in the delayed set to run again after the backoff.
func (b *RedisBroker) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.RunAt = b.now().Add(delay)

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, keyJobs(job.Channel), job.ID.String(), body)
	pipe.ZAdd(ctx, keyDelayed(job.Channel), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID.String(),
	})
	pipe.HIncrBy(ctx, keyStats(job.Channel), "active", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("retry", err)
	}

	return nil
}

// Fail moves a job to the failed set for later inspection or manual retry.
func (b *RedisBroker) Fail(ctx context.Context, job *Job, reason string) error {
	job.LastError = reason

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HDel(ctx, keyJobs(job.Channel), job.ID.String())
	pipe.HSet(ctx, keyFailed(job.Channel), job.ID.String(), body)
	pipe.HIncrBy(ctx, keyStats(job.Channel), "active", -1)
	pipe.HIncrBy(ctx, keyStats(job.Channel), "failed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("fail", err)
	}

	return nil
}

// ListFailed returns the failed jobs of one channel queue.
func (b *RedisBroker) ListFailed(ctx context.Context, channel db.Channel) ([]*Job, error) {
	entries, err := b.rdb.HGetAll(ctx, keyFailed(channel)).Result()
	if err != nil {
		return nil, brokerErr("list failed", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for id, body := range entries {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("unmarshal failed job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RequeueFailed moves one failed job back into its queue with a fresh
// attempt budget. Returns nil when the job is not in this channel's
// failed set.
func (b *RedisBroker) RequeueFailed(ctx context.Context, channel db.Channel, jobID uuid.UUID) (*Job, error) {
	body, err := b.rdb.HGet(ctx, keyFailed(channel), jobID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, brokerErr("requeue failed", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("unmarshal failed job %s: %w", jobID, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HDel(ctx, keyFailed(channel), jobID.String())
	pipe.HIncrBy(ctx, keyStats(channel), "failed", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, brokerErr("requeue failed", err)
	}

	job.Attempt = 0
	job.LastError = ""
	job.RunAt = time.Time{}
	if err := b.Enqueue(ctx, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// Stats returns the counters for one channel queue.
func (b *RedisBroker) Stats(ctx context.Context, channel db.Channel) (Stats, error) {
	pipe := b.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyReady(channel))
	delayed := pipe.ZCard(ctx, keyDelayed(channel))
	counters := pipe.HGetAll(ctx, keyStats(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, brokerErr("stats", err)
	}

	stats := Stats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
	}
	for field, val := range counters.Val() {
		var n int64
		fmt.Sscanf(val, "%d", &n)
		switch field {
		case "active":
			stats.Active = n
		case "completed":
			stats.Completed = n
		case "failed":
			stats.Failed = n
		}
	}

	return stats, nil
}

// Pause stops Pop from returning jobs for a channel until Resume.
func (b *RedisBroker) Pause(ctx context.Context, channel db.Channel) error {
	if err := b.rdb.Set(ctx, keyPaused(channel), "1", 0).Err(); err != nil {
		return brokerErr("pause", err)
	}
	return nil
}

// Resume lifts a pause.
func (b *RedisBroker) Resume(ctx context.Context, channel db.Channel) error {
	if err := b.rdb.Del(ctx, keyPaused(channel)).Err(); err != nil {
		return brokerErr("resume", err)
	}
	return nil
}

// Clean removes waiting, delayed, and failed jobs enqueued before the age
// cutoff. Active jobs are left alone.
func (b *RedisBroker) Clean(ctx context.Context, channel db.Channel, olderThan time.Duration) (int64, error) {
	cutoff := b.now().Add(-olderThan)

	entries, err := b.rdb.HGetAll(ctx, keyJobs(channel)).Result()
	if err != nil {
		return 0, brokerErr("clean", err)
	}

	var removed int64
	for id, body := range entries {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		if job.EnqueuedAt.After(cutoff) {
			continue
		}

		pipe := b.rdb.Pipeline()
		pipe.HDel(ctx, keyJobs(channel), id)
		pipe.ZRem(ctx, keyReady(channel), id)
		pipe.ZRem(ctx, keyDelayed(channel), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, brokerErr("clean", err)
		}
		removed++
	}

	failed, err := b.rdb.HGetAll(ctx, keyFailed(channel)).Result()
	if err != nil {
		return removed, brokerErr("clean", err)
	}
	for id, body := range failed {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		if job.EnqueuedAt.After(cutoff) {
			continue
		}
		pipe := b.rdb.Pipeline()
		pipe.HDel(ctx, keyFailed(channel), id)
		pipe.HIncrBy(ctx, keyStats(channel), "failed", -1)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, brokerErr("clean", err)
		}
		removed++
	}

	return removed, nil
}
