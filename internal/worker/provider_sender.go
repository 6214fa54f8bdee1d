package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
)

// ProviderSender delivers call and WhatsApp tasks through a provider's HTTP
// API. One instance serves one channel.
type ProviderSender struct {
	channel db.Channel
	url     string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

type ProviderConfig struct {
	Channel db.Channel
	URL     string
	Token   string
	Timeout time.Duration // Default 10s
}

// providerRequest is the JSON body posted to the provider.
type providerRequest struct {
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Reference string            `json:"reference"`
}

type providerResponse struct {
	ID string `json:"id"`
}

// NewProviderSender creates a sender for cfg.Channel.
func NewProviderSender(cfg ProviderConfig, logger *zap.Logger) *ProviderSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ProviderSender{
		channel: cfg.Channel,
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send posts the task to the provider and returns the provider's message id.
func (s *ProviderSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	if task.Channel != s.channel {
		return db.DispatchResult{}, fmt.Errorf("%s provider does not handle %s", s.channel, task.Channel)
	}

	payload, err := schedule.DecodePayload(task.Payload)
	if err != nil {
		return db.DispatchResult{}, err
	}
	to, err := schedule.Recipient(task.Channel, payload)
	if err != nil {
		return db.DispatchResult{}, err
	}

	body, err := json.Marshal(providerRequest{
		To:        to,
		Template:  payload.TemplateRef,
		Name:      payload.Name,
		Variables: payload.Variables,
		Reference: task.ID.String(),
	})
	if err != nil {
		return db.DispatchResult{}, fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return db.DispatchResult{}, fmt.Errorf("failed to create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "followup-scheduler/1.0")
	// Lets the provider drop a resend after a crash between send and complete.
	req.Header.Set("Idempotency-Key", task.IdempotencyKey)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return db.DispatchResult{}, fmt.Errorf("%s provider request failed: %w", s.channel, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return db.DispatchResult{}, fmt.Errorf("%s provider returned non-2xx status: %d, body: %s", s.channel, resp.StatusCode, string(respBody))
	}

	var pr providerResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &pr); err != nil {
			s.logger.Warn("provider response not JSON",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("provider accepted task",
		zap.String("task_id", task.ID.String()),
		zap.String("channel", string(task.Channel)),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", pr.ID),
	)

	return db.DispatchResult{ProviderMessageID: pr.ID}, nil
}

// SupportsChannel reports whether channel is the one this provider serves.
func (s *ProviderSender) SupportsChannel(channel db.Channel) bool {
	return channel == s.channel
}
