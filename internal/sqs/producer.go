package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string

	// VisibilityTimeout should not exceed the claim lease, otherwise a
	// message can reappear after its reminder was already reaped.
	VisibilityTimeout time.Duration
}

// API is the subset of the SQS client used here
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message points a consumer at a claimed reminder. The reminder itself is
// reloaded from the store, so the queue never carries stale state.
type Message struct {
	ReminderID string `json:"reminder_id"`
	Owner      string `json:"owner"`
	LeaseUntil int64  `json:"lease_until"` // unix millis of claim_expires_at
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Lease returns the claim deadline the message was enqueued under
func (m Message) Lease() time.Time {
	return time.UnixMilli(m.LeaseUntil).UTC()
}

// NewMessage builds the queue payload for a claimed reminder
func NewMessage(r *reminder.Reminder, now time.Time) Message {
	msg := Message{
		ReminderID: r.ID.String(),
		Owner:      r.Owner,
		EnqueuedAt: now.UnixMilli(),
	}
	if r.ClaimExpiresAt != nil {
		msg.LeaseUntil = r.ClaimExpiresAt.UnixMilli()
	}
	return msg
}

// NewClient loads the default AWS credential chain for region
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer hands claimed reminders to the dispatch queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer for cfg.QueueURL.
func NewProducer(client API, cfg Config, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}
}

// Enqueue sends one claimed reminder. Returns the message ID for tracking.
func (p *Producer) Enqueue(ctx context.Context, r *reminder.Reminder) (string, error) {
	body, err := json.Marshal(NewMessage(r, time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("reminder_id", r.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// EnqueueBatch sends each reminder and returns the ones that could not be
// queued, so the caller can dispatch them another way.
func (p *Producer) EnqueueBatch(ctx context.Context, reminders []*reminder.Reminder) []*reminder.Reminder {
	var failed []*reminder.Reminder
	for _, r := range reminders {
		if _, err := p.Enqueue(ctx, r); err != nil {
			p.logger.Warn("failed to enqueue reminder", zap.Error(err))
			failed = append(failed, r)
		}
	}
	return failed
}

// Consumer reads dispatch messages from SQS.
type Consumer struct {
	client     API
	queueURL   string
	visibility int32
	logger     *zap.Logger
}

// NewConsumer creates a consumer for cfg.QueueURL.
func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	visibility := int32(cfg.VisibilityTimeout / time.Second)
	if visibility <= 0 {
		visibility = 60
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int32("visibility_timeout", visibility),
	)

	return &Consumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		visibility: visibility,
		logger:     logger,
	}
}

// ReceiveMessage retrieves a message with long polling. A nil message with a
// nil error means the poll timed out empty.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*Message, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   c.visibility,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]
	receipt := aws.ToString(msgData.ReceiptHandle)

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(msgData.Body)), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return nil, receipt, fmt.Errorf("invalid message format: %w", err)
	}

	return &msg, receipt, nil
}

// DeleteMessage removes a message after it has been handled.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility hides a message for d more, or releases it immediately
// when d is zero.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
