// Package notify builds, validates, and tracks notification records: the
// factory pipeline (validate, dedupe, sanitize, resolve channels, persist),
// frequency scheduling, and the lifecycle service around them.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

const (
	maxTitleLength   = 200
	maxContentLength = 2000

	// duplicateWindow is how far back the factory looks for an identical
	// (user, type, title) notification before rejecting as a duplicate.
	duplicateWindow = 5 * time.Minute
)

// defaultTTLHours maps each notification type to its default lifetime when
// the request does not carry an explicit expiry.
var defaultTTLHours = map[db.NotificationType]int{
	db.TypeBookingConfirmation: 72,
	db.TypeBookingReminder:     72,
	db.TypePaymentSuccess:      168,
	db.TypePaymentFailure:      168,
	db.TypeChatMessage:         48,
	db.TypeReviewReceived:      72,
	db.TypePromotional:         24,
	db.TypeSystemAnnouncement:  48,
	db.TypeSecurityAlert:       168,
	db.TypeAccountUpdate:       72,
}

// smsIncompatibleTypes lists types that must never go out over SMS.
var smsIncompatibleTypes = map[db.NotificationType]bool{
	db.TypeSystemAnnouncement: true,
	db.TypePromotional:        true,
}

// Store is the persistence surface the factory needs.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	FindRecentDuplicate(ctx context.Context, userID uuid.UUID, typ db.NotificationType, title string, since time.Time) (*db.Notification, error)
}

// PreferenceResolver resolves a user's preferences and effective channels.
type PreferenceResolver interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
	DetermineEffectiveChannels(prefs *db.Preferences, typ db.NotificationType, requested []db.Channel, priority db.Priority) []db.Channel
}

// CreateRequest carries the inputs for one notification.
type CreateRequest struct {
	UserID      uuid.UUID        `json:"user_id"`
	Type        db.NotificationType `json:"type"`
	Title       string           `json:"title"`
	Content     string           `json:"content"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Channels    []db.Channel     `json:"channels,omitempty"`
	Priority    db.Priority      `json:"priority,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// Factory validates, sanitizes, deduplicates, and persists notifications.
type Factory struct {
	store     Store
	resolver  PreferenceResolver
	scheduler *Scheduler
	logger    *zap.Logger
	now       func() time.Time
}

// NewFactory creates a notification factory.
func NewFactory(store Store, resolver PreferenceResolver, scheduler *Scheduler, logger *zap.Logger) *Factory {
	return &Factory{
		store:     store,
		resolver:  resolver,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the factory's time source. Used in tests.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// Create runs the full factory pipeline and persists the record. A
// notification whose effective channel set is empty is persisted as sent
// (recorded but suppressed) and never enqueued.
func (f *Factory) Create(ctx context.Context, req CreateRequest) (*db.Notification, error) {
	prefs, err := f.resolver.GetPreferences(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return f.CreateWithPreferences(ctx, req, prefs)
}

// CreateWithPreferences is Create with the preferences already in hand.
// The broadcast resolver uses it to avoid per-recipient preference reads.
func (f *Factory) CreateWithPreferences(ctx context.Context, req CreateRequest, prefs *db.Preferences) (*db.Notification, error) {
	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if len(req.Channels) == 0 {
		req.Channels = prefs.Channels[req.Type]
	}

	if err := f.validate(req); err != nil {
		return nil, err
	}

	req.Title = sanitizeString(req.Title)
	req.Content = sanitizeString(req.Content)
	payload, err := sanitizePayload(req.Payload)
	if err != nil {
		return nil, db.NewValidationError("payload", "must be valid JSON")
	}

	existing, err := f.store.FindRecentDuplicate(ctx, req.UserID, req.Type, req.Title, f.now().Add(-duplicateWindow))
	if err != nil {
		return nil, db.NewNotificationError("DUPLICATE_CHECK_FAILED", err)
	}
	if existing != nil {
		return nil, db.NewDuplicateError(existing.ID.String())
	}

	effective := f.resolver.DetermineEffectiveChannels(prefs, req.Type, req.Channels, req.Priority)
	scheduledAt := f.scheduler.Apply(req.ScheduledAt, prefs, req.Priority)

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		ttl := defaultTTLHours[req.Type]
		if ttl == 0 {
			ttl = 24
		}
		at := f.now().Add(time.Duration(ttl) * time.Hour)
		expiresAt = &at
	}

	// The schedule must fall inside the record's lifetime, including the
	// expiry the TTL table just filled in. An explicit schedule past the
	// expiry is a caller error; a frequency deferral that would outlive the
	// record is dropped so delivery happens before the expiry sweep.
	if scheduledAt != nil && expiresAt != nil && !scheduledAt.Before(*expiresAt) {
		if req.ScheduledAt != nil {
			return nil, db.NewValidationError("scheduled_at", "must be before expires_at")
		}
		scheduledAt = nil
	}

	status := db.StatusPending
	if len(effective) == 0 {
		status = db.StatusSent
	}

	notif := &db.Notification{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Type:        req.Type,
		Title:       req.Title,
		Content:     req.Content,
		Payload:     payload,
		Channels:    effective,
		Priority:    req.Priority,
		Status:      status,
		ScheduledAt: scheduledAt,
		ExpiresAt:   expiresAt,
	}

	if err := f.store.CreateNotification(ctx, notif); err != nil {
		return nil, db.NewNotificationError("NOTIFICATION_CREATE_FAILED", err)
	}

	if status == db.StatusSent {
		f.logger.Info("notification suppressed by preferences",
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", notif.UserID.String()),
			zap.String("type", string(notif.Type)),
		)
	}

	return notif, nil
}

func (f *Factory) validate(req CreateRequest) error {
	if req.UserID == uuid.Nil {
		return db.NewValidationError("user_id", "is required")
	}
	if !req.Type.Valid() {
		return db.NewValidationError("type", "unknown notification type %q", req.Type)
	}
	if req.Title == "" {
		return db.NewValidationError("title", "is required")
	}
	if len(req.Title) > maxTitleLength {
		return db.NewValidationError("title", "exceeds %d characters", maxTitleLength)
	}
	if len(req.Content) > maxContentLength {
		return db.NewValidationError("content", "exceeds %d characters", maxContentLength)
	}
	if !req.Priority.Valid() {
		return db.NewValidationError("priority", "unknown priority %q", req.Priority)
	}

	for _, c := range req.Channels {
		if !c.Valid() {
			return db.NewValidationError("channels", "unknown channel %q", c)
		}
		if c == db.ChannelSMS && smsIncompatibleTypes[req.Type] {
			return db.NewValidationError("channels", "sms is not allowed for type %q", req.Type)
		}
	}

	now := f.now()
	if req.ScheduledAt != nil && !req.ScheduledAt.After(now) {
		return db.NewValidationError("scheduled_at", "must be in the future")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return db.NewValidationError("expires_at", "must be in the future")
	}
	if req.ScheduledAt != nil && req.ExpiresAt != nil && !req.ScheduledAt.Before(*req.ExpiresAt) {
		return db.NewValidationError("scheduled_at", "must be before expires_at")
	}

	return nil
}
