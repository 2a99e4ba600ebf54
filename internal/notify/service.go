package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/prefs"
)

// Repository is the full persistence surface the service needs.
type Repository interface {
	Store
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, userID uuid.UUID, f db.ListFilters) ([]*db.Notification, error)
	MarkAsRead(ctx context.Context, userID, id uuid.UUID) error
	MarkManyAsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteNotification(ctx context.Context, userID, id uuid.UUID) error
	DeleteNotifications(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	UpdatePendingChannels(ctx context.Context, id uuid.UUID, channels []db.Channel) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Enqueuer hands pending notifications to the delivery queue orchestrator.
type Enqueuer interface {
	AddNotificationJob(ctx context.Context, notif *db.Notification) ([]db.Channel, error)
	AddNotificationJobs(ctx context.Context, notifs []*db.Notification) (int, error)
}

// Service ties the factory, scheduler, and queue orchestrator together and
// exposes the notification lifecycle operations.
type Service struct {
	repo     Repository
	factory  *Factory
	resolver *prefs.Resolver
	queue    Enqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the notification service.
func NewService(repo Repository, factory *Factory, resolver *prefs.Resolver, queue Enqueuer, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		factory:  factory,
		resolver: resolver,
		queue:    queue,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateNotification persists a notification and enqueues delivery jobs for
// its effective channels. Broker trouble never fails the call: the record is
// always created, delivery degrades with a warning.
func (s *Service) CreateNotification(ctx context.Context, req CreateRequest) (*db.Notification, error) {
	notif, err := s.factory.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if notif.Status == db.StatusPending {
		enqueued, err := s.queue.AddNotificationJob(ctx, notif)
		if err != nil {
			s.logger.Warn("delivery enqueue degraded, notification recorded without jobs",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
			)
		} else {
			for _, c := range enqueued {
				metrics.RecordJobEnqueued(string(c))
			}
		}
	}

	return notif, nil
}

// CreateNotifications persists a batch of notifications and hands the
// pending ones to the queue in one submission, so near-duplicates collapse
// into batched jobs. The first factory failure aborts the batch; records
// created before it remain.
func (s *Service) CreateNotifications(ctx context.Context, reqs []CreateRequest) ([]*db.Notification, error) {
	if len(reqs) == 0 {
		return nil, db.NewValidationError("notifications", "at least one notification is required")
	}

	created := make([]*db.Notification, 0, len(reqs))
	var pending []*db.Notification
	for i, req := range reqs {
		notif, err := s.factory.Create(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
		created = append(created, notif)
		if notif.Status == db.StatusPending {
			pending = append(pending, notif)
		}
	}

	if len(pending) > 0 {
		enqueued, err := s.queue.AddNotificationJobs(ctx, pending)
		if err != nil {
			s.logger.Warn("bulk enqueue degraded, notifications recorded without jobs",
				zap.Error(err),
				zap.Int("pending", len(pending)),
			)
		} else {
			s.logger.Info("notification batch enqueued",
				zap.Int("created", len(created)),
				zap.Int("jobs", enqueued),
			)
		}
	}

	return created, nil
}

// GetNotifications lists a user's notifications with filters.
func (s *Service) GetNotifications(ctx context.Context, userID uuid.UUID, f db.ListFilters) ([]*db.Notification, error) {
	return s.repo.ListNotifications(ctx, userID, f)
}

// GetNotification fetches one notification by id.
func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return s.repo.GetNotification(ctx, id)
}

// MarkAsRead flips one sent/delivered notification to read.
func (s *Service) MarkAsRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.MarkAsRead(ctx, userID, id)
}

// MarkManyAsRead flips a batch of notifications to read.
func (s *Service) MarkManyAsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return s.repo.MarkManyAsRead(ctx, userID, ids)
}

// MarkAllAsRead flips every unread notification for the user.
func (s *Service) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.MarkAllAsRead(ctx, userID)
}

// DeleteNotification removes one notification owned by the user.
func (s *Service) DeleteNotification(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.DeleteNotification(ctx, userID, id)
}

// DeleteNotifications removes a batch of notifications owned by the user.
func (s *Service) DeleteNotifications(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return s.repo.DeleteNotifications(ctx, userID, ids)
}

// CountUnread returns the user's unread notification count.
func (s *Service) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.CountUnread(ctx, userID)
}

// GetPreferences returns the user's preferences, lazily created.
func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	return s.resolver.GetPreferences(ctx, userID)
}

// UpdatePreferences applies a partial preferences update and rewrites the
// channel lists of the user's still-pending notifications so the change
// takes immediate effect. In-flight jobs are not recalled.
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, update prefs.Update) (*db.Preferences, error) {
	updated, err := s.resolver.UpdatePreferences(ctx, userID, update)
	if err != nil {
		return nil, err
	}

	for typ, allowed := range update.Channels {
		rewritten, err := s.rechannelPending(ctx, userID, typ, allowed)
		if err != nil {
			s.logger.Warn("failed to rewrite pending channels",
				zap.Error(err),
				zap.String("user_id", userID.String()),
				zap.String("type", string(typ)),
			)
			continue
		}
		if rewritten > 0 {
			s.logger.Info("pending notifications rechanneled",
				zap.String("user_id", userID.String()),
				zap.String("type", string(typ)),
				zap.Int64("count", rewritten),
			)
		}
	}

	return updated, nil
}

// rechannelPageSize caps each page of the pending-notification rewrite scan.
const rechannelPageSize = 100

// rechannelPending narrows the channel lists of a user's still-pending
// notifications of one type to those the new preference list still allows.
// The rewrite is shrink-only: a record never gains a channel it did not
// carry at creation.
func (s *Service) rechannelPending(ctx context.Context, userID uuid.UUID, typ db.NotificationType, allowed []db.Channel) (int64, error) {
	var rewritten int64
	for offset := 0; ; offset += rechannelPageSize {
		page, err := s.repo.ListNotifications(ctx, userID, db.ListFilters{
			Type:           typ,
			Status:         db.StatusPending,
			IncludeExpired: true,
			Limit:          rechannelPageSize,
			Offset:         offset,
		})
		if err != nil {
			return rewritten, err
		}

		for _, n := range page {
			narrowed := intersectChannels(n.Channels, allowed)
			if len(narrowed) == len(n.Channels) {
				continue
			}
			if err := s.repo.UpdatePendingChannels(ctx, n.ID, narrowed); err != nil {
				return rewritten, err
			}
			rewritten++
		}

		if len(page) < rechannelPageSize {
			return rewritten, nil
		}
	}
}

// intersectChannels keeps the channels of current that allowed still
// permits, preserving current's order.
func intersectChannels(current, allowed []db.Channel) []db.Channel {
	keep := make(map[db.Channel]bool, len(allowed))
	for _, c := range allowed {
		keep[c] = true
	}

	var out []db.Channel
	for _, c := range current {
		if keep[c] {
			out = append(out, c)
		}
	}
	return out
}

// SweepExpired purges notifications whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	purged, err := s.repo.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.RecordExpired(purged)
	}
	return purged, nil
}

// StartExpirySweep runs the expiry sweep on a ticker until ctx is done.
func (s *Service) StartExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
