package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationType identifies what kind of event a notification describes.
type NotificationType string

const (
	TypeBookingConfirmation NotificationType = "booking_confirmation"
	TypeBookingReminder     NotificationType = "booking_reminder"
	TypePaymentSuccess      NotificationType = "payment_success"
	TypePaymentFailure      NotificationType = "payment_failure"
	TypeChatMessage         NotificationType = "chat_message"
	TypeReviewReceived      NotificationType = "review_received"
	TypePromotional         NotificationType = "promotional"
	TypeSystemAnnouncement  NotificationType = "system_announcement"
	TypeSecurityAlert       NotificationType = "security_alert"
	TypeAccountUpdate       NotificationType = "account_update"
)

// NotificationTypes lists every valid type, in declaration order.
var NotificationTypes = []NotificationType{
	TypeBookingConfirmation,
	TypeBookingReminder,
	TypePaymentSuccess,
	TypePaymentFailure,
	TypeChatMessage,
	TypeReviewReceived,
	TypePromotional,
	TypeSystemAnnouncement,
	TypeSecurityAlert,
	TypeAccountUpdate,
}

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Channel is a delivery medium. Each channel is backed by its own queue,
// rate limit, and worker pool.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels lists every valid channel.
var Channels = []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// Priority controls queue ordering and preference bypass.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// QueueWeight maps a priority to its numeric queue weight. Higher weights
// dequeue first within a channel queue.
func (p Priority) QueueWeight() int {
	switch p {
	case PriorityLow:
		return 2
	case PriorityHigh:
		return 7
	case PriorityCritical:
		return 10
	default:
		return 5
	}
}

// Status is the delivery lifecycle state of a notification.
// Transitions are monotonic: pending -> sent/delivered/failed,
// sent/delivered -> read. Nothing ever returns to pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Frequency governs deferral of non-critical notifications.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyHourly, FrequencyDaily:
		return true
	}
	return false
}

// Notification is a persisted notification record.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	UserID      uuid.UUID        `json:"user_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Content     string           `json:"content"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Channels    []Channel        `json:"channels"`
	Priority    Priority         `json:"priority"`
	Status      Status           `json:"status"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// QuietHours is a user-local time window during which non-critical
// delivery is suppressed to in-app only.
type QuietHours struct {
	Enabled       bool   `json:"enabled"`
	StartTime     string `json:"start_time"` // "HH:mm"
	EndTime       string `json:"end_time"`   // "HH:mm"
	Timezone      string `json:"timezone"`
	AllowCritical bool   `json:"allow_critical"`
}

// Preferences holds one user's notification settings. One row per user,
// created lazily with defaults on first read.
type Preferences struct {
	UserID     uuid.UUID                      `json:"user_id"`
	Channels   map[NotificationType][]Channel `json:"channels"`
	QuietHours *QuietHours                    `json:"quiet_hours,omitempty"`
	Frequency  Frequency                      `json:"frequency"`
	Language   string                         `json:"language"`
	Timezone   string                         `json:"timezone"`
	CreatedAt  time.Time                      `json:"created_at"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// User is the slice of the directory record the broadcast resolver needs.
type User struct {
	ID       uuid.UUID `json:"id"`
	Role     string    `json:"role"`
	Location string    `json:"location"`
}
