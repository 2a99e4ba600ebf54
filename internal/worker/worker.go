package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/queue"
)

// Tracker flips notification lifecycle states as delivery attempts finish.
type Tracker interface {
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, channel db.Channel, reason string) error
}

// Config holds one channel pool's settings.
type Config struct {
	Channel      db.Channel
	Concurrency  int
	PollInterval time.Duration
}

// Worker drains one channel queue with a bounded pool of in-flight jobs.
type Worker struct {
	broker  queue.Broker
	tracker Tracker
	sender  Sender
	config  Config
	logger  *zap.Logger
}

// New creates a worker pool for one channel.
func New(broker queue.Broker, tracker Tracker, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	return &Worker{
		broker:  broker,
		tracker: tracker,
		sender:  sender,
		config:  cfg,
		logger:  logger.With(zap.String("channel", string(cfg.Channel))),
	}
}

// Start polls the channel queue until ctx is done, processing up to
// Concurrency jobs at once. It blocks until in-flight jobs finish.
func (w *Worker) Start(ctx context.Context) {
	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup

	w.logger.Info("channel worker starting",
		zap.Int("concurrency", w.config.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.logger.Info("channel worker stopped")
			return
		default:
		}

		job, err := w.broker.Pop(ctx, w.config.Channel)
		if err != nil {
			w.logger.Warn("queue pop degraded", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(job *queue.Job) {
			defer func() {
				<-sem
				wg.Done()
			}()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.config.PollInterval):
	}
}

// process runs one delivery attempt and settles the job: complete on
// success, delayed retry with exponential backoff while attempts remain,
// permanent failure (recorded on the notification) once exhausted.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	err := w.sender.Send(ctx, job)
	if err == nil {
		w.complete(ctx, job)
		return
	}

	job.Attempt++
	w.logger.Warn("delivery attempt failed",
		zap.Error(err),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	if job.Attempt < job.MaxAttempts {
		if rerr := w.broker.Retry(ctx, job, job.Backoff()); rerr != nil {
			w.logger.Error("failed to schedule retry", zap.Error(rerr),
				zap.String("job_id", job.ID.String()))
		}
		metrics.RecordJobProcessed(string(job.Channel), "retried")
		return
	}

	reason := err.Error()
	if ferr := w.broker.Fail(ctx, job, reason); ferr != nil {
		w.logger.Error("failed to record job failure", zap.Error(ferr),
			zap.String("job_id", job.ID.String()))
	}
	for _, id := range job.Notifications() {
		if terr := w.tracker.MarkFailed(ctx, id, job.Channel, reason); terr != nil {
			w.logger.Warn("failed to mark notification failed",
				zap.Error(terr),
				zap.String("notification_id", id.String()),
			)
		}
	}
	metrics.RecordJobProcessed(string(job.Channel), "failed")
}

func (w *Worker) complete(ctx context.Context, job *queue.Job) {
	if err := w.broker.Complete(ctx, job); err != nil {
		w.logger.Warn("failed to complete job", zap.Error(err),
			zap.String("job_id", job.ID.String()))
	}

	for _, id := range job.Notifications() {
		var err error
		if job.Channel == db.ChannelInApp {
			// The record is the in-app delivery itself.
			err = w.tracker.MarkDelivered(ctx, id)
		} else {
			err = w.tracker.MarkSent(ctx, id)
		}
		if err != nil {
			// A concurrent flip (e.g. another channel already delivered)
			// is expected; only log it.
			w.logger.Debug("status flip skipped",
				zap.Error(err),
				zap.String("notification_id", id.String()),
			)
		}
	}

	metrics.RecordJobProcessed(string(job.Channel), "sent")
	metrics.RecordDeliveryLatency(string(job.Channel), time.Since(job.EnqueuedAt))

	w.logger.Info("job delivered",
		zap.String("job_id", job.ID.String()),
		zap.Int("notifications", len(job.Notifications())),
	)
}
