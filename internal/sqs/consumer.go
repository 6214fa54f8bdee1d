package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// ErrPoison marks a message that can never be processed. The consumer
// deletes it instead of letting it be redelivered.
var ErrPoison = errors.New("poison message")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads lifecycle events from SQS.
type Consumer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Run long-polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}
		if _, err := c.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and hands each message to handle. Messages that
// succeed, or fail with ErrPoison, are deleted; the rest become visible
// again after the visibility timeout. It returns how many were deleted.
func (c *Consumer) Poll(ctx context.Context, handle Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	deleted := 0
	for _, msg := range result.Messages {
		err := handle(ctx, []byte(aws.ToString(msg.Body)))
		switch {
		case err == nil:
		case errors.Is(err, ErrPoison):
			c.logger.Warn("dropping poison message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
		default:
			c.logger.Warn("message handling failed, leaving for redelivery",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			continue
		}

		if err := c.DeleteMessage(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
			c.logger.Error("failed to delete message", zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// DeleteMessage removes a message from SQS after successful processing.
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
