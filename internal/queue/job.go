// Package queue implements the delivery queue orchestrator: four isolated
// per-channel priority queues on Redis, a per-(user,channel) rate limiter,
// near-duplicate batching, and retry bookkeeping.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/db"
)

const (
	// DefaultMaxAttempts is the per-job retry budget.
	DefaultMaxAttempts = 3
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase = 2 * time.Second
)

// Job is an ephemeral per-channel delivery unit. It lives inside one
// channel queue and is destroyed on completion or permanent failure.
type Job struct {
	ID             uuid.UUID           `json:"id"`
	NotificationID uuid.UUID           `json:"notification_id"`
	SourceIDs      []uuid.UUID         `json:"source_ids,omitempty"` // set on synthetic batch jobs
	UserID         uuid.UUID           `json:"user_id"`
	Type           db.NotificationType `json:"type"`
	Channel        db.Channel          `json:"channel"`
	Title          string              `json:"title"`
	Content        string              `json:"content"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	Priority       int                 `json:"priority"`
	Attempt        int                 `json:"attempt"`
	MaxAttempts    int                 `json:"max_attempts"`
	RunAt          time.Time           `json:"run_at"`
	EnqueuedAt     time.Time           `json:"enqueued_at"`
	LastError      string              `json:"last_error,omitempty"`
}

// Notifications returns every notification id this job delivers: the batch
// members for a synthetic job, otherwise the single underlying record.
func (j *Job) Notifications() []uuid.UUID {
	if len(j.SourceIDs) > 0 {
		return j.SourceIDs
	}
	return []uuid.UUID{j.NotificationID}
}

// Backoff returns the retry delay for the job's current attempt count.
func (j *Job) Backoff() time.Duration {
	delay := BackoffBase
	for i := 1; i < j.Attempt; i++ {
		delay *= 2
	}
	return delay
}

// Stats are the aggregate counters for one channel queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Add accumulates another queue's counters into s.
func (s *Stats) Add(other Stats) {
	s.Waiting += other.Waiting
	s.Active += other.Active
	s.Completed += other.Completed
	s.Failed += other.Failed
	s.Delayed += other.Delayed
}
