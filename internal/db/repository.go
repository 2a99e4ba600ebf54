package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a referenced notification does not exist
// or is not visible to the requesting user.
var ErrNotFound = errors.New("notification not found")

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, user_id, type, title, content, payload, channels,
	priority, status, scheduled_at, expires_at, read_at,
	created_at, updated_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		notif    Notification
		channels []string
	)
	err := row.Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Title,
		&notif.Content,
		&notif.Payload,
		&channels,
		&notif.Priority,
		&notif.Status,
		&notif.ScheduledAt,
		&notif.ExpiresAt,
		&notif.ReadAt,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	notif.Channels = make([]Channel, len(channels))
	for i, c := range channels {
		notif.Channels[i] = Channel(c)
	}
	return &notif, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, type, title, content, payload, channels,
			priority, status, scheduled_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Content,
		notif.Payload,
		channelStrings(notif.Channels),
		notif.Priority,
		notif.Status,
		notif.ScheduledAt,
		notif.ExpiresAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("type", string(notif.Type)),
		zap.String("status", string(notif.Status)),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// FindRecentDuplicate looks for a notification with identical
// (user, type, title) created at or after the given cutoff.
// Returns (nil, nil) when no duplicate exists.
func (r *Repository) FindRecentDuplicate(ctx context.Context, userID uuid.UUID, typ NotificationType, title string, since time.Time) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND type = $2 AND title = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, userID, typ, title, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query duplicate: %w", err)
	}

	return notif, nil
}

// ListFilters narrows ListNotifications results. Zero values mean "no filter".
type ListFilters struct {
	Type           NotificationType
	Status         Status
	Priority       Priority
	From           *time.Time
	To             *time.Time
	IncludeExpired bool
	Limit          int
	Offset         int
}

// ListNotifications retrieves a user's notifications newest-first,
// applying the given filters. Expired records are hidden unless
// IncludeExpired is set.
func (r *Repository) ListNotifications(ctx context.Context, userID uuid.UUID, f ListFilters) ([]*Notification, error) {
	var (
		conds = []string{"user_id = $1"}
		args  = []any{userID}
	)

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if !f.IncludeExpired {
		conds = append(conds, "(expires_at IS NULL OR expires_at > NOW())")
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkSent flips a pending notification to sent. The status guard keeps a
// late worker from clobbering a concurrent delivered/failed transition.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, StatusSent, []Status{StatusPending})
}

// MarkDelivered records a delivery confirmation from a channel worker.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, StatusDelivered, []Status{StatusPending, StatusSent})
}

func (r *Repository) transition(ctx context.Context, id uuid.UUID, to Status, from []Status) error {
	query := `
		UPDATE notifications
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, statusStrings(from))
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// MarkFailed flips a pending notification to failed and records the failing
// channel and reason inside the payload for later inspection.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, channel Channel, reason string) error {
	failure, err := json.Marshal(map[string]any{
		"delivery_error": map[string]string{
			"channel": string(channel),
			"reason":  reason,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal failure payload: %w", err)
	}

	query := `
		UPDATE notifications
		SET status = $1,
		    payload = COALESCE(payload, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, failure, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Warn("notification marked failed",
		zap.String("notification_id", id.String()),
		zap.String("channel", string(channel)),
		zap.String("reason", reason),
	)

	return nil
}

// MarkAsRead flips a sent or delivered notification to read.
func (r *Repository) MarkAsRead(ctx context.Context, userID, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = $1, read_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status = ANY($4)
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusRead, id, userID,
		statusStrings([]Status{StatusSent, StatusDelivered}))
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkManyAsRead marks the given notification ids as read for one user.
// Returns the number of rows actually flipped.
func (r *Repository) MarkManyAsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notifications
		SET status = $1, read_at = NOW(), updated_at = NOW()
		WHERE user_id = $2 AND id = ANY($3) AND status = ANY($4)
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusRead, userID, ids,
		statusStrings([]Status{StatusSent, StatusDelivered}))
	if err != nil {
		return 0, fmt.Errorf("mark many as read: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkAllAsRead marks every unread sent/delivered notification for a user.
func (r *Repository) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		UPDATE notifications
		SET status = $1, read_at = NOW(), updated_at = NOW()
		WHERE user_id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusRead, userID,
		statusStrings([]Status{StatusSent, StatusDelivered}))
	if err != nil {
		return 0, fmt.Errorf("mark all as read: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteNotification removes a single notification owned by the user.
func (r *Repository) DeleteNotification(ctx context.Context, userID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotifications removes a batch of notifications owned by the user.
func (r *Repository) DeleteNotifications(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// UpdatePendingChannels rewrites one still-pending notification's channel
// list. The status guard makes preference changes apply only to records no
// worker has picked up yet; losing the race is not an error.
func (r *Repository) UpdatePendingChannels(ctx context.Context, id uuid.UUID, channels []Channel) error {
	query := `
		UPDATE notifications
		SET channels = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, channelStrings(channels), id, StatusPending); err != nil {
		return fmt.Errorf("update pending channels: %w", err)
	}
	return nil
}

// PurgeExpired deletes notifications whose expires_at has passed.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired notifications: %w", err)
	}

	if purged := result.RowsAffected(); purged > 0 {
		r.logger.Info("expired notifications purged", zap.Int64("count", purged))
		return purged, nil
	}
	return 0, nil
}

// CountUnread returns the number of unread (sent or delivered)
// notifications for a user.
func (r *Repository) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND status = ANY($2)`,
		userID, statusStrings([]Status{StatusSent, StatusDelivered})).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
