package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// tripped returns a breaker that has just opened after two failures.
func tripped(t *testing.T, clk *clock.Fake, halfOpen int) *CircuitBreaker {
	t.Helper()
	cb := New(Config{
		Name:                "voice",
		MaxFailures:         2,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: halfOpen,
		Clock:               clk,
	}, testLogger())
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	return cb
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("ses"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	clk := clock.NewFake(testNow)
	cb := tripped(t, clk, 1)

	clk.Advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("should reject before the recovery timeout")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clk := clock.NewFake(testNow)
	cb := tripped(t, clk, 1)

	clk.Advance(time.Minute)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"probe succeeds", true, StateClosed},
		{"probe fails", false, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(testNow)
			cb := tripped(t, clk, 1)
			clk.Advance(time.Minute)
			cb.Allow()
			if tt.success {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "ses", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := tripped(t, clock.NewFake(testNow), 1)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "whatsapp", MaxFailures: 5}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "whatsapp" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("alerts")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedSender Tests ---

type mockSender struct {
	sendErr   error
	channel   db.Channel
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return db.DispatchResult{}, m.sendErr
	}
	return db.DispatchResult{ProviderMessageID: "msg-1"}, nil
}

func (m *mockSender) SupportsChannel(channel db.Channel) bool {
	return channel == m.channel
}

func testTask(ch db.Channel) *db.ScheduledTask {
	return &db.ScheduledTask{ID: uuid.New(), Channel: ch}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{channel: db.ChannelEmail}
	ps := NewProtectedSender(mock, New(Config{Name: "ses", MaxFailures: 5}, testLogger()), testLogger())

	res, err := ps.Send(context.Background(), testTask(db.ChannelEmail))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.ProviderMessageID != "msg-1" {
		t.Errorf("provider id = %q", res.ProviderMessageID)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("down"), channel: db.ChannelCall}
	cb := New(Config{Name: "voice", MaxFailures: 2}, testLogger())
	ps := NewProtectedSender(mock, cb, testLogger())
	ps.Send(context.Background(), testTask(db.ChannelCall))
	ps.Send(context.Background(), testTask(db.ChannelCall))

	mock.sendCalls = 0
	_, err := ps.Send(context.Background(), testTask(db.ChannelCall))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	mock := &mockSender{channel: db.ChannelWhatsApp}
	ps := NewProtectedSender(mock, New(DefaultConfig("whatsapp"), testLogger()), testLogger())
	if !ps.SupportsChannel(db.ChannelWhatsApp) {
		t.Fatal("should support whatsapp")
	}
	if ps.SupportsChannel(db.ChannelEmail) {
		t.Fatal("should not support email")
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	clk := clock.NewFake(testNow)
	mock := &mockSender{channel: db.ChannelEmail}
	cb := New(Config{Name: "ses", MaxFailures: 3, RecoveryTimeout: time.Minute, Clock: clk}, testLogger())
	ps := NewProtectedSender(mock, cb, testLogger())
	task := testTask(db.ChannelEmail)

	if _, err := ps.Send(context.Background(), task); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.sendErr = errors.New("SES throttled")
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), task)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if _, err := ps.Send(context.Background(), task); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("sender should not be called while open")
	}

	clk.Advance(time.Minute)
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), task); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}
