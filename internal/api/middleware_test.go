package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/redis"
)

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &redis.RateLimitResult{Allowed: f.allowed, ResetAt: time.Now().Add(30 * time.Second)}, nil
}

func TestClientKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		remoteAddr string
		expected   string
	}{
		{"from header", "crm", "5.6.7.8:1234", "client:crm"},
		{"ip fallback", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Client-ID", tt.header)
			}
			req.RemoteAddr = tt.remoteAddr

			if result := ClientKeyFunc(req); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			if result := IPKeyFunc(req); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		limiter  Limiter
		expected int
	}{
		{"no limiter", nil, http.StatusOK},
		{"allowed", &fakeLimiter{allowed: true}, http.StatusOK},
		{"denied", &fakeLimiter{allowed: false}, http.StatusTooManyRequests},
		{"limiter error fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			wrapped := RateLimitMiddleware(tt.limiter, zap.NewNop(), ClientKeyFunc)(handler)

			req := httptest.NewRequest("POST", "/v1/events", nil)
			req.Header.Set("X-Client-ID", "crm")
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
			if tt.expected == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
		})
	}
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	RequestLogger(zap.NewNop())(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rec.Code)
	}
}
