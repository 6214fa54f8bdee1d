// Package sqs moves scheduler events through SQS: task failures go out to an
// observability queue, booking lifecycle events come in from an intake queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/worker"
)

// EventTaskFailed is the event type published when a task exhausts its attempts.
const EventTaskFailed = "task.failed"

// publishTimeout bounds a detached publish.
const publishTimeout = 10 * time.Second

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Event is the envelope published to the events queue.
type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Producer publishes scheduler events to SQS.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one event and returns the SQS message id.
func (p *Producer) Publish(ctx context.Context, eventType string, data any, at time.Time) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}
	body, err := json.Marshal(Event{Type: eventType, OccurredAt: at, Data: raw})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// TaskFailed publishes the failure in the background. It never blocks the
// caller; a failed publish is logged and dropped.
func (p *Producer) TaskFailed(ctx context.Context, ev worker.TaskFailed) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if _, err := p.Publish(ctx, EventTaskFailed, ev, ev.FailedAt); err != nil {
			p.logger.Error("failed to publish task failure",
				zap.String("task_id", ev.TaskID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for background publishes to finish.
func (p *Producer) Close() {
	p.inflight.Wait()
}
