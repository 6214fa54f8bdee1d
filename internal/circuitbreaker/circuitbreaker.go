// Package circuitbreaker guards channel providers: after repeated failures a
// provider is skipped for a cool-down and tasks take the normal retry path.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/metrics"
)

// State of a breaker.
//
//	closed    -> open       MaxFailures consecutive failures
//	open      -> half-open  RecoveryTimeout after the last failure
//	half-open -> closed     a probe succeeds
//	half-open -> open       a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned when a send is rejected without reaching the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name is the provider, e.g. "ses", "voice", "whatsapp", "sns".
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
	// Clock drives recovery timing. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the defaults used for every provider sender.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Stats is a point-in-time snapshot for logs and debugging.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejected       int64     `json:"total_rejected"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	Since               time.Time `json:"since"`
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	since       time.Time
	consecutive int
	lastFailure time.Time
	probes      int
	stats       Stats
}

// New creates a closed breaker. Zero config fields take the defaults.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	logger.Info("circuit breaker created",
		zap.String("breaker", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{
		config: cfg,
		logger: logger,
		state:  StateClosed,
		since:  cfg.Clock.Now(),
	}
}

// Name returns the provider name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a send may go out now. Every true must be followed
// by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++

	if cb.state == StateOpen && cb.config.Clock.Now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen)
		cb.logger.Info("circuit breaker probing provider", zap.String("breaker", cb.config.Name))
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.stats.TotalRejected++
	return false
}

// RecordSuccess clears the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalSuccesses++
	cb.consecutive = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("breaker", cb.config.Name))
	}
}

// RecordFailure extends the failure streak. A closed breaker opens at
// MaxFailures; a failed probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalFailures++
	cb.consecutive++
	cb.lastFailure = cb.config.Clock.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed", zap.String("breaker", cb.config.Name))
	case cb.state == StateClosed && cb.consecutive >= cb.config.MaxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker opened",
			zap.String("breaker", cb.config.Name),
			zap.Int("failures", cb.consecutive),
		)
	}
}

// GetState returns the current state without advancing it.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.stats
	s.Name = cb.config.Name
	s.State = cb.state.String()
	s.ConsecutiveFailures = cb.consecutive
	s.LastFailure = cb.lastFailure
	s.Since = cb.since
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.consecutive = 0
	cb.logger.Info("circuit breaker reset", zap.String("breaker", cb.config.Name))
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state change",
		zap.String("breaker", cb.config.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
	)
	cb.state = s
	cb.since = cb.config.Clock.Now()
	cb.probes = 0
	metrics.SetBreakerState(cb.config.Name, int(s))
}
