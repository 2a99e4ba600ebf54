// Package worker runs the per-channel delivery pools: each channel queue
// gets its own pool with bounded concurrency, retry/backoff, and lifecycle
// tracking on the underlying notification records.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/queue"
)

// Sender is the unified interface for all delivery channels.
// Implementations: in-app (store-backed), email (SES), push and SMS (SNS).
type Sender interface {
	Send(ctx context.Context, job *queue.Job) error
	SupportsChannel(channel db.Channel) bool
}

// EmailContact is the recipient fragment an email job's payload must carry.
type EmailContact struct {
	Email string `json:"email"`
}

// SMSContact is the recipient fragment an SMS job's payload must carry.
type SMSContact struct {
	PhoneNumber string `json:"phone_number"`
}

// PushContact is the recipient fragment a push job's payload must carry:
// the SNS platform endpoint ARN of the user's device.
type PushContact struct {
	TargetARN string `json:"target_arn"`
}

// MultiSender routes jobs to the first sender supporting their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the job to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, job *queue.Job) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(job.Channel) {
			m.logger.Debug("routing job to sender",
				zap.String("channel", string(job.Channel)),
				zap.String("job_id", job.ID.String()),
			)
			return sender.Send(ctx, job)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", job.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel db.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them. Used in development
// and as a stand-in for channels without a configured transport.
type LogSender struct {
	channels map[db.Channel]bool
	logger   *zap.Logger
}

// NewLogSender creates a log sender for the given channels. With no
// channels it accepts everything.
func NewLogSender(logger *zap.Logger, channels ...db.Channel) *LogSender {
	set := make(map[db.Channel]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &LogSender{channels: set, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, job *queue.Job) error {
	s.logger.Info("notification delivered (log sender)",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", string(job.Channel)),
		zap.String("user_id", job.UserID.String()),
		zap.String("title", job.Title),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	if len(s.channels) == 0 {
		return true
	}
	return s.channels[channel]
}

func decodeContact(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload missing recipient contact")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("invalid contact payload: %w", err)
	}
	return nil
}
