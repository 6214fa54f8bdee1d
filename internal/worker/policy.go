package worker

import (
	"time"

	"github.com/lalithlochan/followup/internal/db"
)

// RetryPolicy decides when a released task becomes due again. attempts is
// the number of attempts already spent, including the one that just failed.
// A nil result means the next tick.
type RetryPolicy interface {
	NextAttempt(attempts int, now time.Time) *time.Time
}

// LevelPolicy retries on the next tick. The task simply stays due.
type LevelPolicy struct{}

func (LevelPolicy) NextAttempt(int, time.Time) *time.Time { return nil }

// ExponentialPolicy doubles the wait after each failed attempt, capped at Max.
type ExponentialPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialPolicy) NextAttempt(attempts int, now time.Time) *time.Time {
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Base
	for i := 1; i < attempts && wait < p.Max; i++ {
		wait *= 2
	}
	if wait > p.Max {
		wait = p.Max
	}
	next := now.Add(wait)
	return &next
}

// DefaultPolicies retries calls with backoff (1m, 2m, 4m capped at 15m) and
// everything else on the next tick.
func DefaultPolicies() map[db.Channel]RetryPolicy {
	return map[db.Channel]RetryPolicy{
		db.ChannelCall:     ExponentialPolicy{Base: time.Minute, Max: 15 * time.Minute},
		db.ChannelWhatsApp: LevelPolicy{},
		db.ChannelEmail:    LevelPolicy{},
		db.ChannelAlert:    LevelPolicy{},
	}
}
