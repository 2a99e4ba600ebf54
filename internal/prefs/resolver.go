// Package prefs resolves per-user notification preferences: lazy defaults,
// merge-style updates, and the effective-channel computation that applies
// quiet hours and frequency policy on top of the user's channel map.
package prefs

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// clockPattern matches "HH:mm" with an optional leading zero on the hour.
var clockPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Store is the persistence surface the resolver needs.
type Store interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
	GetPreferencesBatch(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.Preferences, error)
	SavePreferences(ctx context.Context, prefs *db.Preferences) error
}

// Resolver answers preference questions for the notification pipeline.
type Resolver struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a preference resolver.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the resolver's time source. Used in tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// GetPreferences returns the user's preferences, creating and persisting the
// defaults on first access.
func (r *Resolver) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	prefs, err := r.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs != nil {
		return prefs, nil
	}

	prefs = defaultPreferences(userID, r.now())
	if err := r.store.SavePreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("create default preferences: %w", err)
	}

	r.logger.Info("default preferences created",
		zap.String("user_id", userID.String()),
	)

	return prefs, nil
}

// GetPreferencesBatch fetches preferences for many users, substituting
// in-memory defaults for users without a persisted row. Defaults are not
// written back here; broadcasts should not fan out row creation.
func (r *Resolver) GetPreferencesBatch(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.Preferences, error) {
	found, err := r.store.GetPreferencesBatch(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	now := r.now()
	for _, id := range userIDs {
		if _, ok := found[id]; !ok {
			found[id] = defaultPreferences(id, now)
		}
	}
	return found, nil
}

// QuietHoursUpdate is a partial quiet-hours change. Nil fields keep their
// existing values.
type QuietHoursUpdate struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	StartTime     *string `json:"start_time,omitempty"`
	EndTime       *string `json:"end_time,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`
	AllowCritical *bool   `json:"allow_critical,omitempty"`
}

// Update is a partial preferences change. Sub-objects merge into the
// existing record rather than replacing it.
type Update struct {
	Channels   map[db.NotificationType][]db.Channel `json:"channels,omitempty"`
	QuietHours *QuietHoursUpdate                    `json:"quiet_hours,omitempty"`
	Frequency  *db.Frequency                        `json:"frequency,omitempty"`
	Language   *string                              `json:"language,omitempty"`
	Timezone   *string                              `json:"timezone,omitempty"`
}

// UpdatePreferences validates the partial update, merges it into the user's
// current preferences, and persists the result.
func (r *Resolver) UpdatePreferences(ctx context.Context, userID uuid.UUID, update Update) (*db.Preferences, error) {
	if err := validateUpdate(update); err != nil {
		return nil, err
	}

	prefs, err := r.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	for typ, channels := range update.Channels {
		prefs.Channels[typ] = append([]db.Channel(nil), channels...)
	}

	if update.QuietHours != nil {
		if prefs.QuietHours == nil {
			prefs.QuietHours = &db.QuietHours{
				StartTime: "22:00",
				EndTime:   "08:00",
				Timezone:  prefs.Timezone,
			}
		}
		qh := update.QuietHours
		if qh.Enabled != nil {
			prefs.QuietHours.Enabled = *qh.Enabled
		}
		if qh.StartTime != nil {
			prefs.QuietHours.StartTime = *qh.StartTime
		}
		if qh.EndTime != nil {
			prefs.QuietHours.EndTime = *qh.EndTime
		}
		if qh.Timezone != nil {
			prefs.QuietHours.Timezone = *qh.Timezone
		}
		if qh.AllowCritical != nil {
			prefs.QuietHours.AllowCritical = *qh.AllowCritical
		}
	}

	if update.Frequency != nil {
		prefs.Frequency = *update.Frequency
	}
	if update.Language != nil {
		prefs.Language = *update.Language
	}
	if update.Timezone != nil {
		prefs.Timezone = *update.Timezone
	}

	prefs.UpdatedAt = r.now()

	if err := r.store.SavePreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("save preferences: %w", err)
	}

	r.logger.Info("preferences updated",
		zap.String("user_id", userID.String()),
		zap.Int("channel_types_changed", len(update.Channels)),
	)

	return prefs, nil
}

func validateUpdate(update Update) error {
	for typ, channels := range update.Channels {
		if !typ.Valid() {
			return db.NewValidationError("channels", "unknown notification type %q", typ)
		}
		for _, c := range channels {
			if !c.Valid() {
				return db.NewValidationError("channels", "unknown channel %q for type %q", c, typ)
			}
		}
	}

	if qh := update.QuietHours; qh != nil {
		if qh.StartTime != nil && !clockPattern.MatchString(*qh.StartTime) {
			return db.NewValidationError("quiet_hours.start_time", "must be HH:mm, got %q", *qh.StartTime)
		}
		if qh.EndTime != nil && !clockPattern.MatchString(*qh.EndTime) {
			return db.NewValidationError("quiet_hours.end_time", "must be HH:mm, got %q", *qh.EndTime)
		}
		if qh.Timezone != nil {
			if _, err := time.LoadLocation(*qh.Timezone); err != nil {
				return db.NewValidationError("quiet_hours.timezone", "unknown timezone %q", *qh.Timezone)
			}
		}
	}

	if update.Frequency != nil && !update.Frequency.Valid() {
		return db.NewValidationError("frequency", "must be one of immediate, hourly, daily")
	}

	if update.Timezone != nil {
		if _, err := time.LoadLocation(*update.Timezone); err != nil {
			return db.NewValidationError("timezone", "unknown timezone %q", *update.Timezone)
		}
	}

	return nil
}

// DetermineEffectiveChannels computes the final channel set for one
// notification. The result is always a subset of requested.
//
// Precedence: quiet hours > frequency > base preference intersection.
// CRITICAL bypasses the preference intersection but not quiet hours.
func (r *Resolver) DetermineEffectiveChannels(prefs *db.Preferences, typ db.NotificationType, requested []db.Channel, priority db.Priority) []db.Channel {
	allowed := prefs.Channels[typ]
	if allowed == nil {
		allowed = DefaultChannels[typ]
	}

	base := intersect(requested, allowed)
	if priority == db.PriorityCritical {
		base = append([]db.Channel(nil), requested...)
	}

	if r.InQuietHours(prefs) {
		if priority == db.PriorityCritical && prefs.QuietHours.AllowCritical {
			base = intersect(base, []db.Channel{db.ChannelPush, db.ChannelSMS})
		} else {
			base = intersect(base, []db.Channel{db.ChannelInApp})
		}
	}

	if prefs.Frequency != db.FrequencyImmediate && priority != db.PriorityCritical {
		base = intersect(base, []db.Channel{db.ChannelInApp, db.ChannelEmail})
	}

	return base
}

// InQuietHours reports whether the user's quiet-hours window is currently
// active in their configured timezone. A window whose start is later than
// its end wraps midnight.
func (r *Resolver) InQuietHours(prefs *db.Preferences) bool {
	qh := prefs.QuietHours
	if qh == nil || !qh.Enabled {
		return false
	}

	start, err := parseClock(qh.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(qh.EndTime)
	if err != nil {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		loc = time.UTC
	}

	local := r.now().In(loc)
	now := local.Hour()*60 + local.Minute()

	if start > end {
		// Window wraps midnight, e.g. 22:00-08:00.
		return now >= start || now <= end
	}
	return now >= start && now <= end
}

// parseClock converts "HH:mm" to minutes since midnight.
func parseClock(s string) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid clock string %q", s)
	}
	parts := strings.SplitN(s, ":", 2)
	hours, _ := strconv.Atoi(parts[0])
	minutes, _ := strconv.Atoi(parts[1])
	return hours*60 + minutes, nil
}

func intersect(requested, allowed []db.Channel) []db.Channel {
	set := make(map[db.Channel]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}

	var out []db.Channel
	for _, c := range requested {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}
