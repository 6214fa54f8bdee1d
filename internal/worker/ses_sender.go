package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
)

// sesAPI is the subset of the SES client the sender uses.
type sesAPI interface {
	SendTemplatedEmail(ctx context.Context, params *ses.SendTemplatedEmailInput, optFns ...func(*ses.Options)) (*ses.SendTemplatedEmailOutput, error)
}

// SESSender delivers email tasks as SES templated emails. The task's
// template_ref names the SES template; name and variables become its data.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends an email task via AWS SES
func (s *SESSender) Send(ctx context.Context, task *db.ScheduledTask) (db.DispatchResult, error) {
	if task.Channel != db.ChannelEmail {
		return db.DispatchResult{}, fmt.Errorf("SES sender only supports email, got: %s", task.Channel)
	}

	payload, err := schedule.DecodePayload(task.Payload)
	if err != nil {
		return db.DispatchResult{}, err
	}
	to, err := schedule.Recipient(db.ChannelEmail, payload)
	if err != nil {
		return db.DispatchResult{}, err
	}
	if payload.TemplateRef == "" {
		return db.DispatchResult{}, fmt.Errorf("email payload missing template_ref")
	}

	data := make(map[string]string, len(payload.Variables)+1)
	for k, v := range payload.Variables {
		data[k] = v
	}
	if payload.Name != "" {
		data["name"] = payload.Name
	}
	templateData, err := json.Marshal(data)
	if err != nil {
		return db.DispatchResult{}, fmt.Errorf("marshal template data: %w", err)
	}

	input := &ses.SendTemplatedEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Template:     aws.String(payload.TemplateRef),
		TemplateData: aws.String(string(templateData)),
	}

	result, err := s.client.SendTemplatedEmail(ctx, input)
	if err != nil {
		return db.DispatchResult{}, fmt.Errorf("ses send failed: %w", err)
	}

	msgID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("task_id", task.ID.String()),
		zap.String("template", payload.TemplateRef),
		zap.String("message_id", msgID),
	)

	return db.DispatchResult{ProviderMessageID: msgID}, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}
