package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/followup/internal/api"
	"github.com/lalithlochan/followup/internal/batch"
	"github.com/lalithlochan/followup/internal/circuitbreaker"
	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/config"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/metrics"
	"github.com/lalithlochan/followup/internal/observ"
	"github.com/lalithlochan/followup/internal/redis"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/sns"
	"github.com/lalithlochan/followup/internal/sqs"
	"github.com/lalithlochan/followup/internal/window"
	"github.com/lalithlochan/followup/internal/worker"
	"github.com/lalithlochan/followup/internal/workflow"
)

// taskStore is everything the scheduler needs from either store driver.
type taskStore interface {
	worker.Store
	worker.BookingReader
	workflow.Store
	batch.Store
	api.TaskStore
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting followup scheduler",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("timezone", cfg.Timezone),
	)

	ctx := context.Background()
	clk := clock.Real{}

	// Task store
	var store taskStore
	var database *db.DB
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory task store, tasks will not survive a restart")
		store = db.NewMemoryStore(logger)
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		store = db.NewRepository(database, logger)
	}

	// Return rows a crashed process left in processing
	recovered, err := store.RecoverStale(ctx, clk.Now().Add(-cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	if recovered > 0 {
		logger.Warn("recovered stale tasks", zap.Int("count", recovered))
	}

	// Redis backs event dedupe and the shared WhatsApp cap. Both are optional.
	var deduper workflow.Deduper
	var sendCap worker.RateCap
	var intakeLimiter api.Limiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, event dedupe and shared caps disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
		deduper = redis.NewEventDeduper(redisClient, redis.DefaultDedupeTTL, logger)
		sendCap = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WhatsAppSharedCap,
			Window: time.Second,
		})
		intakeLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  600,
			Window: time.Minute,
		})
	}

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Terminal failures go to SQS when configured
	var notifier worker.Notifier = worker.NewLogNotifier(logger)
	if cfg.SQSEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSEventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, failures will only be logged", zap.Error(err))
		} else {
			defer producer.Close()
			notifier = producer
		}
	}

	enqueuer := schedule.NewEnqueuer(store, clk, schedule.Config{MaxAttempts: cfg.MaxAttempts}, logger)
	distributor := batch.NewDistributor(store, clk, batch.Config{MaxAttempts: cfg.MaxAttempts}, logger)
	projector := window.NewProjector(cfg.Location, nil)
	engine := workflow.NewEngine(store, projector, enqueuer, clk, deduper, workflow.Config{MaxAttempts: cfg.MaxAttempts}, logger)

	gate := window.NewGate(cfg.Location, map[db.Class]window.Range{
		db.ClassCampaign: cfg.CampaignWindow,
		db.ClassWorkflow: cfg.WorkflowWindow,
	})

	poller := worker.NewPoller(worker.Deps{
		Store:        store,
		Sender:       sender,
		Gate:         gate,
		Clock:        clk,
		Precondition: worker.NewPrecondition(store, logger),
		Chain:        enqueuer,
		Notifier:     notifier,
		Cap:          sendCap,
	}, worker.Config{
		PollInterval:         cfg.PollInterval,
		CampaignPollInterval: cfg.CampaignPollInterval,
		BatchSize:            cfg.PollBatchSize,
		EmailConcurrency:     cfg.EmailConcurrency,
		WhatsAppRate:         rate.Limit(cfg.WhatsAppRatePerSec),
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	poller.Start(bgCtx)
	defer poller.Stop()

	// Lifecycle events can also arrive over SQS
	if cfg.SQSLifecycleQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSLifecycleQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, lifecycle events only via HTTP", zap.Error(err))
		} else {
			go consumer.Run(bgCtx, func(ctx context.Context, body []byte) error {
				err := engine.HandleMessage(ctx, body)
				if errors.Is(err, workflow.ErrInvalidEvent) {
					return fmt.Errorf("%w: %v", sqs.ErrPoison, err)
				}
				return err
			})
		}
	}

	go reportPools(bgCtx, database, redisClient)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	handler := api.NewHandler(logger, store, enqueuer, distributor, engine, clk)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(intakeLimiter, logger, api.ClientKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if database != nil {
			if err := database.Health(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSender wires one provider per channel, each behind its own circuit
// breaker. Channels without a configured provider fall through to the log sender.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	var senders []worker.Sender
	protect := func(name string, s circuitbreaker.Sender) {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(s, breaker, logger))
	}

	if cfg.VoiceAPIURL != "" {
		protect("voice", worker.NewProviderSender(worker.ProviderConfig{
			Channel: db.ChannelCall,
			URL:     cfg.VoiceAPIURL,
			Token:   cfg.VoiceAPIToken,
			Timeout: cfg.ProviderTimeout,
		}, logger))
	}
	if cfg.WhatsAppAPIURL != "" {
		protect("whatsapp", worker.NewProviderSender(worker.ProviderConfig{
			Channel: db.ChannelWhatsApp,
			URL:     cfg.WhatsAppAPIURL,
			Token:   cfg.WhatsAppAPIToken,
			Timeout: cfg.ProviderTimeout,
		}, logger))
	}

	if cfg.SESEnabled {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		protect("ses", ses)
	}

	if cfg.SNSAlertTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSAlertTopicARN, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("SNS publisher unavailable, alerts will only be logged", zap.Error(err))
		} else {
			protect("sns", worker.NewAlertSender(publisher, logger))
		}
	}

	// Last so real providers win the channel
	senders = append(senders, worker.NewLogSender(logger))

	logger.Info("initialized channel senders",
		zap.Bool("call_enabled", cfg.VoiceAPIURL != ""),
		zap.Bool("whatsapp_enabled", cfg.WhatsAppAPIURL != ""),
		zap.Bool("email_enabled", cfg.SESEnabled),
		zap.Bool("alert_enabled", cfg.SNSAlertTopicARN != ""),
	)

	return worker.NewMultiSender(logger, senders...), nil
}

// reportPools refreshes the connection pool gauges.
func reportPools(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if database != nil {
			metrics.SetDBConnections(database.AcquiredConns())
		}
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.ActiveConns())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
