package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/queue"
)

// InAppSender "delivers" in-app jobs. The persisted notification record is
// itself the in-app feed entry, so delivery is a no-op beyond logging; the
// worker's tracker flips the record to delivered.
type InAppSender struct {
	logger *zap.Logger
}

// NewInAppSender creates the in-app sender.
func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Send(ctx context.Context, job *queue.Job) error {
	if job.Channel != db.ChannelInApp {
		return fmt.Errorf("in-app sender only supports in_app, got: %s", job.Channel)
	}

	s.logger.Debug("in-app notification surfaced",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
	)
	return nil
}

func (s *InAppSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelInApp
}
