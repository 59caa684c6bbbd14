package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/scheduler"
)

// API is the subset of the SNS client used here
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends reminder lifecycle events to an SNS topic. Subscribers
// filter on the event_type and owner message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewClient loads the default AWS credential chain for region
func NewClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Publish implements scheduler.EventPublisher
func (p *Publisher) Publish(ctx context.Context, e scheduler.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Type)),
			},
			"owner": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.Owner),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("lifecycle event published",
		zap.String("event", string(e.Type)),
		zap.String("reminder_id", e.ReminderID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
