package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/sns"
)

// AlertPublisher is satisfied by *sns.Publisher.
type AlertPublisher interface {
	Publish(ctx context.Context, alert sns.Alert) (string, error)
}

// AlertSender delivers chat-ops alert tasks through an SNS topic.
type AlertSender struct {
	publisher AlertPublisher
	logger    *zap.Logger
}

func NewAlertSender(publisher AlertPublisher, logger *zap.Logger) *AlertSender {
	return &AlertSender{publisher: publisher, logger: logger}
}

func (s *AlertSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	if task.Channel != db.ChannelAlert {
		return db.DispatchResult{}, fmt.Errorf("alert sender only supports alert, got: %s", task.Channel)
	}

	payload, err := schedule.DecodePayload(task.Payload)
	if err != nil {
		return db.DispatchResult{}, err
	}
	target, err := schedule.Recipient(db.ChannelAlert, payload)
	if err != nil {
		return db.DispatchResult{}, err
	}

	msgID, err := s.publisher.Publish(ctx, sns.Alert{
		TaskID:     task.ID.String(),
		Target:     target,
		TriggerRef: task.TriggerRef,
		Template:   payload.TemplateRef,
		Name:       payload.Name,
		Variables:  payload.Variables,
	})
	if err != nil {
		return db.DispatchResult{}, err
	}

	s.logger.Info("alert published",
		zap.String("task_id", task.ID.String()),
		zap.String("target", target),
		zap.String("message_id", msgID),
	)
	return db.DispatchResult{ProviderMessageID: msgID}, nil
}

func (s *AlertSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelAlert
}
