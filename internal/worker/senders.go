package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
)

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES), call and WhatsApp (provider APIs), alerts (SNS).
type Sender interface {
	Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error)
	SupportsChannel(channel db.Channel) bool
}

// MultiSender routes tasks to the sender that owns their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders. The first sender
// that supports a channel wins.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the task to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(task.Channel) {
			m.logger.Debug("routing task to sender",
				zap.String("channel", string(task.Channel)),
				zap.String("task_id", task.ID.String()),
			)
			return sender.Send(ctx, task)
		}
	}

	return db.DispatchResult{}, fmt.Errorf("no sender found for channel: %s", task.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel db.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs tasks instead of delivering them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	s.logger.Info("logging task (development mode)",
		zap.String("task_id", task.ID.String()),
		zap.String("channel", string(task.Channel)),
		zap.String("trigger_ref", task.TriggerRef),
		zap.Any("payload", json.RawMessage(task.Payload)),
	)
	return db.DispatchResult{ProviderMessageID: "log-" + task.ID.String()}, nil
}

// SupportsChannel reports true for every known channel.
func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	return channel.Valid()
}
