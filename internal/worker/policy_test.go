package worker

import (
	"testing"
	"time"
)

func TestExponentialPolicy(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p := ExponentialPolicy{Base: time.Minute, Max: 15 * time.Minute}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute},
		{12, 15 * time.Minute},
	}
	for _, tt := range tests {
		got := p.NextAttempt(tt.attempts, now)
		if got == nil || got.Sub(now) != tt.want {
			t.Errorf("NextAttempt(%d) = %v, want +%v", tt.attempts, got, tt.want)
		}
	}
}

func TestLevelPolicy(t *testing.T) {
	if got := (LevelPolicy{}).NextAttempt(2, time.Now()); got != nil {
		t.Errorf("level policy should retry on the next tick, got %v", got)
	}
}
