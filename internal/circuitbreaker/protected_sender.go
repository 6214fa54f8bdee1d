package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
)

// Sender mirrors the worker.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error)
	SupportsChannel(channel db.Channel) bool
}

// ProtectedSender wraps a provider Sender with a CircuitBreaker. A rejected
// send surfaces as ErrCircuitOpen, which the poller treats like any other
// transient failure.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send dispatches through the breaker.
func (p *ProtectedSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("task_id", task.ID.String()),
			zap.String("channel", string(task.Channel)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return db.DispatchResult{}, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	res, err := p.sender.Send(ctx, task)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return db.DispatchResult{}, err
	}

	p.breaker.RecordSuccess()
	return res, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel db.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
