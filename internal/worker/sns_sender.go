package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/queue"
)

type SNSConfig struct {
	Region string
}

// SNSSMSSender delivers SMS jobs via AWS SNS direct publish.
type SNSSMSSender struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSSMSSender creates an SNS-backed SMS sender.
func NewSNSSMSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSMSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers one SMS job. The job payload must carry the phone number.
func (s *SNSSMSSender) Send(ctx context.Context, job *queue.Job) error {
	if job.Channel != db.ChannelSMS {
		return fmt.Errorf("SNS SMS sender only supports sms, got: %s", job.Channel)
	}

	var contact SMSContact
	if err := decodeContact(job.Payload, &contact); err != nil {
		return err
	}
	if contact.PhoneNumber == "" {
		return fmt.Errorf("sms payload missing 'phone_number' field")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(contact.PhoneNumber),
		Message:     aws.String(fmt.Sprintf("%s: %s", job.Title, job.Content)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via SNS",
		zap.String("job_id", job.ID.String()),
		zap.String("phone_number", contact.PhoneNumber),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the sms channel.
func (s *SNSSMSSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelSMS
}

// SNSPushSender delivers push jobs to SNS platform endpoints.
type SNSPushSender struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSPushSender creates an SNS-backed push sender.
func NewSNSPushSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSPushSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers one push job. The job payload must carry the device's
// platform endpoint ARN.
func (s *SNSPushSender) Send(ctx context.Context, job *queue.Job) error {
	if job.Channel != db.ChannelPush {
		return fmt.Errorf("SNS push sender only supports push, got: %s", job.Channel)
	}

	var contact PushContact
	if err := decodeContact(job.Payload, &contact); err != nil {
		return err
	}
	if contact.TargetARN == "" {
		return fmt.Errorf("push payload missing 'target_arn' field")
	}

	message, err := json.Marshal(map[string]string{
		"title": job.Title,
		"body":  job.Content,
		"type":  string(job.Type),
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(contact.TargetARN),
		Message:   aws.String(string(message)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the push channel.
func (s *SNSPushSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelPush
}
