package prefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// fakeStore is an in-memory preferences store for testing
type fakeStore struct {
	prefs map[uuid.UUID]*db.Preferences
	saves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{prefs: make(map[uuid.UUID]*db.Preferences)}
}

func (s *fakeStore) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	return s.prefs[userID], nil
}

func (s *fakeStore) GetPreferencesBatch(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.Preferences, error) {
	out := make(map[uuid.UUID]*db.Preferences)
	for _, id := range userIDs {
		if p, ok := s.prefs[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *fakeStore) SavePreferences(ctx context.Context, prefs *db.Preferences) error {
	s.saves++
	s.prefs[prefs.UserID] = prefs
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGetPreferencesCreatesDefaults(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())
	userID := uuid.New()

	prefs, err := resolver.GetPreferences(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if prefs.Frequency != db.FrequencyImmediate {
		t.Errorf("expected immediate frequency, got %s", prefs.Frequency)
	}
	if got := prefs.Channels[db.TypeSecurityAlert]; len(got) != 3 {
		t.Errorf("security_alert should default to 3 channels, got %v", got)
	}
	if got := prefs.Channels[db.TypePromotional]; len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("promotional should default to in_app only, got %v", got)
	}
	if store.saves != 1 {
		t.Errorf("expected 1 save, got %d", store.saves)
	}

	// Second read must not re-create
	if _, err := resolver.GetPreferences(context.Background(), userID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("second read should not save again, saves = %d", store.saves)
	}
}

func TestUpdatePreferencesMerges(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	enabled := true
	start := "21:00"
	prefs, err := resolver.UpdatePreferences(ctx, userID, Update{
		Channels: map[db.NotificationType][]db.Channel{
			db.TypeChatMessage: {db.ChannelInApp},
		},
		QuietHours: &QuietHoursUpdate{Enabled: &enabled, StartTime: &start},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// chat_message replaced, other keys untouched
	if got := prefs.Channels[db.TypeChatMessage]; len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("chat_message channels = %v, want [in_app]", got)
	}
	if got := prefs.Channels[db.TypeSecurityAlert]; len(got) != 3 {
		t.Errorf("security_alert channels should be preserved, got %v", got)
	}

	// quiet hours merged: start changed, end keeps default
	if !prefs.QuietHours.Enabled {
		t.Error("quiet hours should be enabled")
	}
	if prefs.QuietHours.StartTime != "21:00" {
		t.Errorf("start = %s, want 21:00", prefs.QuietHours.StartTime)
	}
	if prefs.QuietHours.EndTime != "08:00" {
		t.Errorf("end = %s, want 08:00 (preserved)", prefs.QuietHours.EndTime)
	}
}

func TestUpdatePreferencesValidation(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())
	ctx := context.Background()
	badFrequency := db.Frequency("weekly")
	badClock := "25:99"
	badTZ := "Mars/Olympus"

	tests := []struct {
		name   string
		update Update
	}{
		{"bad_frequency", Update{Frequency: &badFrequency}},
		{"bad_clock", Update{QuietHours: &QuietHoursUpdate{StartTime: &badClock}}},
		{"bad_timezone", Update{Timezone: &badTZ}},
		{"bad_type", Update{Channels: map[db.NotificationType][]db.Channel{"mystery": {db.ChannelInApp}}}},
		{"bad_channel", Update{Channels: map[db.NotificationType][]db.Channel{db.TypeChatMessage: {"fax"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.UpdatePreferences(ctx, uuid.New(), tt.update)
			var verr *db.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestEffectiveChannelsSubsetOfRequested(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())
	prefs := defaultPreferences(uuid.New(), time.Now())
	prefs.QuietHours.Enabled = true
	prefs.Frequency = db.FrequencyDaily

	requests := [][]db.Channel{
		{db.ChannelInApp},
		{db.ChannelPush, db.ChannelSMS},
		{db.ChannelInApp, db.ChannelPush, db.ChannelEmail, db.ChannelSMS},
		{},
	}
	priorities := []db.Priority{db.PriorityLow, db.PriorityNormal, db.PriorityHigh, db.PriorityCritical}

	for _, typ := range db.NotificationTypes {
		for _, requested := range requests {
			for _, priority := range priorities {
				effective := resolver.DetermineEffectiveChannels(prefs, typ, requested, priority)
				set := make(map[db.Channel]bool)
				for _, c := range requested {
					set[c] = true
				}
				for _, c := range effective {
					if !set[c] {
						t.Fatalf("type=%s priority=%s: channel %s not in requested %v",
							typ, priority, c, requested)
					}
				}
			}
		}
	}
}

func TestQuietHoursWraparound(t *testing.T) {
	store := newFakeStore()
	prefs := defaultPreferences(uuid.New(), time.Now())
	prefs.QuietHours.Enabled = true
	prefs.QuietHours.StartTime = "22:00"
	prefs.QuietHours.EndTime = "08:00"
	prefs.QuietHours.Timezone = "UTC"

	tests := []struct {
		clock string
		want  bool
	}{
		{"23:30", true},
		{"05:00", true},
		{"12:00", false},
		{"22:00", true},
		{"08:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			now, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+tt.clock)
			if err != nil {
				t.Fatal(err)
			}
			resolver := NewResolver(store, zap.NewNop()).WithClock(fixedClock(now.UTC()))
			if got := resolver.InQuietHours(prefs); got != tt.want {
				t.Errorf("InQuietHours at %s = %v, want %v", tt.clock, got, tt.want)
			}
		})
	}
}

func TestQuietHoursChannelRestriction(t *testing.T) {
	store := newFakeStore()
	// 23:30 UTC, inside a 22:00-08:00 window
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	resolver := NewResolver(store, zap.NewNop()).WithClock(fixedClock(now))

	prefs := defaultPreferences(uuid.New(), now)
	prefs.QuietHours.Enabled = true
	requested := []db.Channel{db.ChannelInApp, db.ChannelPush, db.ChannelEmail, db.ChannelSMS}

	// Non-critical collapses to in_app only
	got := resolver.DetermineEffectiveChannels(prefs, db.TypeChatMessage, requested, db.PriorityHigh)
	if len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("non-critical in quiet hours = %v, want [in_app]", got)
	}

	// Critical with allow_critical escapes to push+sms
	got = resolver.DetermineEffectiveChannels(prefs, db.TypeSecurityAlert, requested, db.PriorityCritical)
	if len(got) != 2 || got[0] != db.ChannelPush || got[1] != db.ChannelSMS {
		t.Errorf("critical in quiet hours = %v, want [push sms]", got)
	}

	// Critical without allow_critical is treated like everything else
	prefs.QuietHours.AllowCritical = false
	got = resolver.DetermineEffectiveChannels(prefs, db.TypeSecurityAlert, requested, db.PriorityCritical)
	if len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("critical without allow_critical = %v, want [in_app]", got)
	}
}

func TestFrequencyRestrictsChannels(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())

	prefs := defaultPreferences(uuid.New(), time.Now())
	prefs.Frequency = db.FrequencyDaily
	requested := []db.Channel{db.ChannelInApp, db.ChannelPush, db.ChannelEmail}

	// Non-critical drops push under a non-immediate frequency
	got := resolver.DetermineEffectiveChannels(prefs, db.TypeSecurityAlert, requested, db.PriorityNormal)
	for _, c := range got {
		if c == db.ChannelPush {
			t.Errorf("push should be dropped under daily frequency, got %v", got)
		}
	}

	// Critical ignores frequency
	got = resolver.DetermineEffectiveChannels(prefs, db.TypeSecurityAlert, requested, db.PriorityCritical)
	if len(got) != 3 {
		t.Errorf("critical should keep all requested channels, got %v", got)
	}
}

func TestCriticalBypassesPreferences(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, zap.NewNop())

	prefs := defaultPreferences(uuid.New(), time.Now())
	// promotional defaults to in_app only, so sms would normally be filtered
	requested := []db.Channel{db.ChannelInApp, db.ChannelSMS}

	got := resolver.DetermineEffectiveChannels(prefs, db.TypePromotional, requested, db.PriorityNormal)
	if len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("normal priority = %v, want [in_app]", got)
	}

	got = resolver.DetermineEffectiveChannels(prefs, db.TypePromotional, requested, db.PriorityCritical)
	if len(got) != 2 {
		t.Errorf("critical should bypass the preference filter, got %v", got)
	}
}
