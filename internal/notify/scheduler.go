package notify

import (
	"time"

	"github.com/heraldhq/herald/internal/db"
)

// dailyDigestHour is the local hour at which daily-frequency users receive
// their deferred notifications.
const dailyDigestHour = 9

// Scheduler computes deferred send times for non-immediate frequency
// settings. Critical notifications and requests that already carry an
// explicit scheduled time are never deferred.
type Scheduler struct {
	now func() time.Time
}

// NewScheduler creates a scheduler using the real clock.
func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Now}
}

// WithClock overrides the scheduler's time source. Used in tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Apply returns the deferred send time for a notification, or nil when it
// should be sent immediately. An explicit scheduledAt wins over frequency
// policy.
func (s *Scheduler) Apply(scheduledAt *time.Time, prefs *db.Preferences, priority db.Priority) *time.Time {
	if scheduledAt != nil {
		return scheduledAt
	}
	if prefs.Frequency == db.FrequencyImmediate || priority == db.PriorityCritical {
		return nil
	}

	switch prefs.Frequency {
	case db.FrequencyHourly:
		next := s.now().Truncate(time.Hour).Add(time.Hour)
		return &next
	case db.FrequencyDaily:
		loc, err := time.LoadLocation(prefs.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := s.now().In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), dailyDigestHour, 0, 0, 0, loc)
		if !local.Before(next) {
			next = next.AddDate(0, 0, 1)
		}
		return &next
	}

	return nil
}
