// Package sns publishes chat-ops alerts to an SNS topic. A bridge subscribed
// to the topic posts them into the target chat room.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing for alert delivery
type Publisher struct {
	client   snsAPI
	topicARN string
}

// Alert is the message body the chat-ops bridge consumes.
type Alert struct {
	TaskID     string            `json:"task_id"`
	Target     string            `json:"target"`
	TriggerRef string            `json:"trigger_ref"`
	Template   string            `json:"template"`
	Name       string            `json:"name,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// Publish sends an alert to the topic. The target is also set as a message
// attribute so subscriptions can filter on it.
func (p *Publisher) Publish(ctx context.Context, alert Alert) (string, error) {
	if alert.Target == "" {
		return "", fmt.Errorf("alert has no target")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"target": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Target),
			},
			"template": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Template),
			},
		},
	}
	if alert.Template == "" {
		delete(input.MessageAttributes, "template")
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
