package prefs

import (
	"time"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/db"
)

// DefaultChannels maps each notification type to its default ordered channel
// list. Higher-urgency types get progressively wider channel sets. Built once
// as an explicit constant table, never derived.
var DefaultChannels = map[db.NotificationType][]db.Channel{
	db.TypeBookingConfirmation: {db.ChannelInApp, db.ChannelEmail},
	db.TypeBookingReminder:     {db.ChannelInApp, db.ChannelEmail},
	db.TypePaymentSuccess:      {db.ChannelInApp, db.ChannelEmail},
	db.TypePaymentFailure:      {db.ChannelInApp, db.ChannelEmail, db.ChannelPush},
	db.TypeChatMessage:         {db.ChannelInApp, db.ChannelPush},
	db.TypeReviewReceived:      {db.ChannelInApp, db.ChannelEmail},
	db.TypePromotional:         {db.ChannelInApp},
	db.TypeSystemAnnouncement:  {db.ChannelInApp},
	db.TypeSecurityAlert:       {db.ChannelInApp, db.ChannelEmail, db.ChannelPush},
	db.TypeAccountUpdate:       {db.ChannelInApp, db.ChannelEmail},
}

const (
	defaultLanguage = "en"
	defaultTimezone = "UTC"
)

// defaultPreferences builds the preference record a user gets on first access.
func defaultPreferences(userID uuid.UUID, now time.Time) *db.Preferences {
	channels := make(map[db.NotificationType][]db.Channel, len(DefaultChannels))
	for typ, list := range DefaultChannels {
		channels[typ] = append([]db.Channel(nil), list...)
	}

	return &db.Preferences{
		UserID:   userID,
		Channels: channels,
		QuietHours: &db.QuietHours{
			Enabled:       false,
			StartTime:     "22:00",
			EndTime:       "08:00",
			Timezone:      defaultTimezone,
			AllowCritical: true,
		},
		Frequency: db.FrequencyImmediate,
		Language:  defaultLanguage,
		Timezone:  defaultTimezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
