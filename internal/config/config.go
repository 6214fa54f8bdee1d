package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lalithlochan/followup/internal/window"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        int
	LogLevel    string
	Env         string
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Dedupe and the shared WhatsApp cap are skipped when
	// Redis cannot be reached.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion            string
	SESEnabled           bool
	SESFromEmail         string
	SNSAlertTopicARN     string
	SQSEventsQueueURL    string
	SQSLifecycleQueueURL string

	// Provider APIs for calls and WhatsApp. An empty URL logs instead of sending.
	VoiceAPIURL      string
	VoiceAPIToken    string
	WhatsAppAPIURL   string
	WhatsAppAPIToken string
	ProviderTimeout  time.Duration

	// Scheduling
	Timezone             string
	Location             *time.Location
	PollInterval         time.Duration
	CampaignPollInterval time.Duration
	PollBatchSize        int
	MaxAttempts          int
	StaleAfter           time.Duration
	CampaignWindow       window.Range
	WorkflowWindow       window.Range

	// Channel pacing
	WhatsAppRatePerSec float64
	WhatsAppSharedCap  int
	EmailConcurrency   int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "followup",
		DBName:    "followup",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@followup.local",

		ProviderTimeout: 10 * time.Second,

		Timezone:             "UTC",
		PollInterval:         30 * time.Second,
		CampaignPollInterval: 15 * time.Minute,
		PollBatchSize:        50,
		MaxAttempts:          3,
		StaleAfter:           10 * time.Minute,

		WhatsAppRatePerSec: 10,
		WhatsAppSharedCap:  10,
		EmailConcurrency:   3,
	}

	campaignWindow := "09:00-20:00"
	workflowWindow := "08:00-23:30"

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != StorePostgres && driver != StoreMemory {
			return nil, fmt.Errorf("invalid STORE_DRIVER %q: want %s or %s", driver, StorePostgres, StoreMemory)
		}
		cfg.StoreDriver = driver
	}

	// Database config
	str("DB_HOST", &cfg.DBHost)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	str("REDIS_HOST", &cfg.RedisHost)
	str("REDIS_PASSWORD", &cfg.RedisPassword)

	// AWS
	str("AWS_REGION", &cfg.AWSRegion)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("SNS_ALERT_TOPIC_ARN", &cfg.SNSAlertTopicARN)
	str("SQS_EVENTS_QUEUE_URL", &cfg.SQSEventsQueueURL)
	str("SQS_LIFECYCLE_QUEUE_URL", &cfg.SQSLifecycleQueueURL)

	// Providers
	str("VOICE_API_URL", &cfg.VoiceAPIURL)
	str("VOICE_API_TOKEN", &cfg.VoiceAPIToken)
	str("WHATSAPP_API_URL", &cfg.WhatsAppAPIURL)
	str("WHATSAPP_API_TOKEN", &cfg.WhatsAppAPIToken)

	str("TIMEZONE", &cfg.Timezone)
	str("CAMPAIGN_WINDOW", &campaignWindow)
	str("WORKFLOW_WINDOW", &workflowWindow)

	for key, dst := range map[string]*int{
		"DB_PORT":             &cfg.DBPort,
		"REDIS_PORT":          &cfg.RedisPort,
		"REDIS_DB":            &cfg.RedisDB,
		"POLL_BATCH_SIZE":     &cfg.PollBatchSize,
		"MAX_ATTEMPTS":        &cfg.MaxAttempts,
		"WHATSAPP_SHARED_CAP": &cfg.WhatsAppSharedCap,
		"EMAIL_CONCURRENCY":   &cfg.EmailConcurrency,
	} {
		if err := integer(key, dst); err != nil {
			return nil, err
		}
	}

	for key, dst := range map[string]*time.Duration{
		"PROVIDER_TIMEOUT":       &cfg.ProviderTimeout,
		"POLL_INTERVAL":          &cfg.PollInterval,
		"CAMPAIGN_POLL_INTERVAL": &cfg.CampaignPollInterval,
		"STALE_AFTER":            &cfg.StaleAfter,
	} {
		if err := duration(key, dst); err != nil {
			return nil, err
		}
	}

	if enabled := os.Getenv("SES_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid SES_ENABLED: %w", err)
		}
		cfg.SESEnabled = b
	}

	if rate := os.Getenv("WHATSAPP_RATE_PER_SEC"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid WHATSAPP_RATE_PER_SEC %q", rate)
		}
		cfg.WhatsAppRatePerSec = r
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: must be at least 1")
	}
	if cfg.EmailConcurrency < 1 {
		return nil, fmt.Errorf("invalid EMAIL_CONCURRENCY: must be at least 1")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.CampaignWindow, err = window.ParseRange(campaignWindow); err != nil {
		return nil, fmt.Errorf("invalid CAMPAIGN_WINDOW: %w", err)
	}
	if cfg.WorkflowWindow, err = window.ParseRange(workflowWindow); err != nil {
		return nil, fmt.Errorf("invalid WORKFLOW_WINDOW: %w", err)
	}

	return cfg, nil
}

func str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func integer(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func duration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", key)
	}
	*dst = d
	return nil
}
