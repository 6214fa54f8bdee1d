package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
)

// TaskFailed is emitted when a task exhausts its attempts.
type TaskFailed struct {
	TaskID     uuid.UUID  `json:"task_id"`
	Channel    db.Channel `json:"channel"`
	Class      db.Class   `json:"class"`
	TriggerRef string     `json:"trigger_ref"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	FailedAt   time.Time  `json:"failed_at"`
}

// Notifier receives terminal failures. Implementations must not block the
// poller; delivery is best effort.
type Notifier interface {
	TaskFailed(ctx context.Context, ev TaskFailed)
}

// LogNotifier writes failures to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) TaskFailed(ctx context.Context, ev TaskFailed) {
	n.logger.Warn("task failed permanently",
		zap.String("task_id", ev.TaskID.String()),
		zap.String("channel", string(ev.Channel)),
		zap.String("trigger_ref", ev.TriggerRef),
		zap.Int("attempts", ev.Attempts),
		zap.String("error", ev.LastError),
	)
}
