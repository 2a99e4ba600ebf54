// Package broadcast expands audience segments into recipients and fans one
// message out through the notification pipeline, each recipient filtered by
// their own preferences.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/notify"
)

// Segment describes one broadcast audience. Exactly one selector should be
// set; when several are, the resolved sets are unioned.
type Segment struct {
	UserIDs   []uuid.UUID `json:"user_ids,omitempty"`
	Roles     []string    `json:"roles,omitempty"`
	Locations []string    `json:"locations,omitempty"`
	All       bool        `json:"all,omitempty"`
}

// Empty reports whether the segment selects nobody.
func (s Segment) Empty() bool {
	return !s.All && len(s.UserIDs) == 0 && len(s.Roles) == 0 && len(s.Locations) == 0
}

// Message is the broadcast payload applied to every resolved recipient.
type Message struct {
	Type        db.NotificationType `json:"type"`
	Title       string              `json:"title"`
	Content     string              `json:"content"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Channels    []db.Channel        `json:"channels,omitempty"`
	Priority    db.Priority         `json:"priority,omitempty"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
}

// Outcome classifies one recipient's broadcast result.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Detail is the per-recipient entry of a broadcast result.
type Detail struct {
	UserID         uuid.UUID  `json:"user_id"`
	Outcome        Outcome    `json:"outcome"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Result aggregates a broadcast run. len(Details) always equals the number
// of resolved recipients.
type Result struct {
	Sent       int      `json:"sent"`
	Suppressed int      `json:"suppressed"`
	Failed     int      `json:"failed"`
	Details    []Detail `json:"details"`
}

// Directory resolves segment selectors to user ids.
type Directory interface {
	UsersByIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	UsersByRoles(ctx context.Context, roles []string) ([]uuid.UUID, error)
	UsersByLocations(ctx context.Context, locations []string) ([]uuid.UUID, error)
	AllUsers(ctx context.Context) ([]uuid.UUID, error)
}

// PreferenceBatcher batch-fetches preferences so a broadcast does not issue
// one preference read per recipient.
type PreferenceBatcher interface {
	GetPreferencesBatch(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.Preferences, error)
}

// Creator runs the factory pipeline with preferences already in hand.
type Creator interface {
	CreateWithPreferences(ctx context.Context, req notify.CreateRequest, prefs *db.Preferences) (*db.Notification, error)
}

// Enqueuer hands created notifications to the delivery queues in one
// submission, so the orchestrator can batch near-duplicates.
type Enqueuer interface {
	AddNotificationJobs(ctx context.Context, notifs []*db.Notification) (int, error)
}

// Resolver expands segments and drives the per-recipient pipeline.
type Resolver struct {
	directory Directory
	prefs     PreferenceBatcher
	creator   Creator
	queue     Enqueuer
	logger    *zap.Logger
}

// NewResolver creates a broadcast resolver.
func NewResolver(directory Directory, prefs PreferenceBatcher, creator Creator, queue Enqueuer, logger *zap.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		prefs:     prefs,
		creator:   creator,
		queue:     queue,
		logger:    logger,
	}
}

// ResolveAudience expands a segment into a deduplicated recipient set,
// preserving first-seen order.
func (r *Resolver) ResolveAudience(ctx context.Context, segment Segment) ([]uuid.UUID, error) {
	if segment.Empty() {
		return nil, db.NewValidationError("segment", "selects no recipients")
	}
	if segment.All {
		return r.directory.AllUsers(ctx)
	}

	seen := make(map[uuid.UUID]bool)
	var recipients []uuid.UUID
	add := func(ids []uuid.UUID) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				recipients = append(recipients, id)
			}
		}
	}

	ids, err := r.directory.UsersByIDs(ctx, segment.UserIDs)
	if err != nil {
		return nil, err
	}
	add(ids)

	ids, err = r.directory.UsersByRoles(ctx, segment.Roles)
	if err != nil {
		return nil, err
	}
	add(ids)

	ids, err = r.directory.UsersByLocations(ctx, segment.Locations)
	if err != nil {
		return nil, err
	}
	add(ids)

	return recipients, nil
}

// SendBroadcast fans the message out to every resolved recipient. Each
// recipient runs the pipeline independently; one recipient's failure never
// stops the rest. Suppressed means the recipient's preferences left zero
// effective channels. Created records go to the queue in one submission so
// the orchestrator can collapse near-duplicates.
func (r *Resolver) SendBroadcast(ctx context.Context, msg Message, segment Segment) (*Result, error) {
	recipients, err := r.ResolveAudience(ctx, segment)
	if err != nil {
		return nil, err
	}

	allPrefs, err := r.prefs.GetPreferencesBatch(ctx, recipients)
	if err != nil {
		return nil, err
	}

	result := &Result{Details: make([]Detail, 0, len(recipients))}
	var pending []*db.Notification
	for _, userID := range recipients {
		detail, notif := r.createOne(ctx, userID, msg, allPrefs[userID])
		switch detail.Outcome {
		case OutcomeSent:
			result.Sent++
			pending = append(pending, notif)
		case OutcomeSuppressed:
			result.Suppressed++
		case OutcomeFailed:
			result.Failed++
		}
		result.Details = append(result.Details, detail)
	}

	if len(pending) > 0 {
		if _, err := r.queue.AddNotificationJobs(ctx, pending); err != nil {
			// The records exist; only delivery is degraded.
			r.logger.Warn("broadcast enqueue degraded",
				zap.Error(err),
				zap.Int("pending", len(pending)),
			)
		}
	}

	r.logger.Info("broadcast completed",
		zap.String("type", string(msg.Type)),
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", result.Sent),
		zap.Int("suppressed", result.Suppressed),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

// createOne runs the factory pipeline for a single recipient. Records with
// effective channels are returned for the bulk enqueue after the fan-out.
func (r *Resolver) createOne(ctx context.Context, userID uuid.UUID, msg Message, prefs *db.Preferences) (Detail, *db.Notification) {
	req := notify.CreateRequest{
		UserID:      userID,
		Type:        msg.Type,
		Title:       msg.Title,
		Content:     msg.Content,
		Payload:     msg.Payload,
		Channels:    msg.Channels,
		Priority:    msg.Priority,
		ScheduledAt: msg.ScheduledAt,
		ExpiresAt:   msg.ExpiresAt,
	}

	notif, err := r.creator.CreateWithPreferences(ctx, req, prefs)
	if err != nil {
		r.logger.Warn("broadcast recipient failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return Detail{UserID: userID, Outcome: OutcomeFailed, Error: err.Error()}, nil
	}

	if len(notif.Channels) == 0 {
		return Detail{UserID: userID, Outcome: OutcomeSuppressed, NotificationID: &notif.ID}, nil
	}

	return Detail{UserID: userID, Outcome: OutcomeSent, NotificationID: &notif.ID}, notif
}
