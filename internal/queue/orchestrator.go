package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
)

// ErrJobNotFound is returned when no channel queue holds a failed job with
// the requested id.
var ErrJobNotFound = errors.New("failed job not found")

// Orchestrator fans notifications out to the per-channel queues, applying
// rate limits and batching on the way in. Broker failures are absorbed
// here: callers always get a degraded-but-successful answer.
type Orchestrator struct {
	broker  Broker
	limiter *RateLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrchestrator creates the delivery queue orchestrator.
func NewOrchestrator(broker Broker, limiter *RateLimiter, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		broker:  broker,
		limiter: limiter,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock overrides the orchestrator's time source. Used in tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// AddNotificationJob submits one delivery job per effective channel of the
// notification. Channels over their rate cap are dropped for this
// notification; if nothing survives, enqueue is skipped entirely.
func (o *Orchestrator) AddNotificationJob(ctx context.Context, notif *db.Notification) ([]db.Channel, error) {
	return o.enqueue(ctx, notif, nil)
}

// AddNotificationJobs submits a batch, collapsing near-duplicate groups
// (same user, type, channel set) into single synthetic jobs first.
func (o *Orchestrator) AddNotificationJobs(ctx context.Context, notifs []*db.Notification) (int, error) {
	enqueued := 0
	for _, group := range groupNotifications(notifs) {
		if len(group) == 1 {
			channels, _ := o.enqueue(ctx, group[0], nil)
			enqueued += len(channels)
			continue
		}

		sourceIDs := make([]uuid.UUID, len(group))
		for i, n := range group {
			sourceIDs[i] = n.ID
		}
		collapsed := collapseGroup(group)
		channels, _ := o.enqueue(ctx, collapsed, sourceIDs)
		enqueued += len(channels)
		metrics.RecordBatched(len(group))

		o.logger.Info("near-duplicate jobs batched",
			zap.String("user_id", collapsed.UserID.String()),
			zap.String("type", string(collapsed.Type)),
			zap.Int("collapsed", len(group)),
		)
	}
	return enqueued, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, notif *db.Notification, sourceIDs []uuid.UUID) ([]db.Channel, error) {
	var allowed []db.Channel
	for _, channel := range notif.Channels {
		ok, err := o.limiter.Allow(ctx, notif.UserID, channel)
		if err != nil {
			// Limiter already failed open; just note the degradation.
			o.logger.Warn("rate limiter degraded", zap.Error(err))
		}
		if !ok {
			metrics.RecordRateLimitDrop(string(channel))
			o.logger.Info("channel dropped by rate limit",
				zap.String("notification_id", notif.ID.String()),
				zap.String("user_id", notif.UserID.String()),
				zap.String("channel", string(channel)),
			)
			continue
		}
		allowed = append(allowed, channel)
	}

	if len(allowed) == 0 {
		o.logger.Info("all channels rate limited, skipping enqueue",
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", notif.UserID.String()),
		)
		return nil, nil
	}

	var delay time.Duration
	if notif.ScheduledAt != nil {
		if d := notif.ScheduledAt.Sub(o.now()); d > 0 {
			delay = d
		}
	}

	var enqueued []db.Channel
	for _, channel := range allowed {
		job := &Job{
			ID:             uuid.New(),
			NotificationID: notif.ID,
			SourceIDs:      sourceIDs,
			UserID:         notif.UserID,
			Type:           notif.Type,
			Channel:        channel,
			Title:          notif.Title,
			Content:        notif.Content,
			Payload:        notif.Payload,
			Priority:       notif.Priority.QueueWeight(),
			MaxAttempts:    DefaultMaxAttempts,
			EnqueuedAt:     o.now(),
		}
		if delay > 0 {
			job.RunAt = o.now().Add(delay)
		}

		if err := o.broker.Enqueue(ctx, job); err != nil {
			o.logger.Warn("enqueue degraded, job dropped",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
				zap.String("channel", string(channel)),
			)
			continue
		}
		enqueued = append(enqueued, channel)
	}

	return enqueued, nil
}

// QueueStats sums the counters of all four channel queues. When the broker
// is unreachable it returns all-zero stats rather than an error.
func (o *Orchestrator) QueueStats(ctx context.Context) Stats {
	var total Stats
	for _, channel := range db.Channels {
		stats, err := o.broker.Stats(ctx, channel)
		if err != nil {
			o.logger.Warn("queue stats degraded, returning zeros", zap.Error(err))
			return Stats{}
		}
		metrics.SetQueueDepth(string(channel), stats.Waiting)
		total.Add(stats)
	}
	return total
}

// PauseAll pauses every channel queue. Broker trouble degrades to a no-op.
func (o *Orchestrator) PauseAll(ctx context.Context) {
	o.each(ctx, "pause", o.broker.Pause)
}

// ResumeAll resumes every channel queue.
func (o *Orchestrator) ResumeAll(ctx context.Context) {
	o.each(ctx, "resume", o.broker.Resume)
}

func (o *Orchestrator) each(ctx context.Context, op string, fn func(context.Context, db.Channel) error) {
	for _, channel := range db.Channels {
		if err := fn(ctx, channel); err != nil {
			o.logger.Warn("queue management degraded",
				zap.Error(err),
				zap.String("op", op),
				zap.String("channel", string(channel)),
			)
		}
	}
}

// CleanAll removes jobs older than the cutoff from every channel queue.
func (o *Orchestrator) CleanAll(ctx context.Context, olderThan time.Duration) int64 {
	var removed int64
	for _, channel := range db.Channels {
		n, err := o.broker.Clean(ctx, channel, olderThan)
		if err != nil {
			o.logger.Warn("queue clean degraded",
				zap.Error(err),
				zap.String("channel", string(channel)),
			)
			continue
		}
		removed += n
	}
	return removed
}

// Clean removes old jobs from one named channel queue.
func (o *Orchestrator) Clean(ctx context.Context, channel db.Channel, olderThan time.Duration) (int64, error) {
	n, err := o.broker.Clean(ctx, channel, olderThan)
	if err != nil {
		o.logger.Warn("queue clean degraded",
			zap.Error(err),
			zap.String("channel", string(channel)),
		)
		return 0, nil
	}
	return n, nil
}

// RetryFailedJob scans all four channel queues for a failed job with the
// given id and re-queues it with a fresh attempt budget.
func (o *Orchestrator) RetryFailedJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	for _, channel := range db.Channels {
		job, err := o.broker.RequeueFailed(ctx, channel, jobID)
		if err != nil {
			o.logger.Warn("failed-job retry degraded",
				zap.Error(err),
				zap.String("channel", string(channel)),
			)
			continue
		}
		if job != nil {
			o.logger.Info("failed job re-queued",
				zap.String("job_id", jobID.String()),
				zap.String("channel", string(channel)),
			)
			return job, nil
		}
	}
	return nil, ErrJobNotFound
}
