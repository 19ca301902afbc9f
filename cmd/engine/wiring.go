package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/delivery-engine/internal/bus"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/secrets"
	"github.com/kursadbilgin/delivery-engine/internal/sender"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	"go.uber.org/zap"
)

const secretKeyPrefix = "webhook:secrets:"

// engine is the fully wired process: admin API plus the periodic jobs.
type engine struct {
	app       *fiber.App
	runners   []*jobs.Runner
	publisher bus.Publisher
	writer    *service.OutboxWriter
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (bus.Publisher, error) {
	switch cfg.EventBus {
	case config.EventBusRabbitMQ:
		client, err := bus.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		return bus.NewRabbitMQPublisher(client), nil
	case config.EventBusKafka:
		return bus.NewKafkaPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic)
	case config.EventBusMemory:
		mb := bus.NewMemoryBus()
		mb.Subscribe("", func(_ context.Context, env bus.Envelope) error {
			logger.Debug("event published on memory bus",
				zap.String("tenantId", env.TenantID),
				zap.String("eventId", env.EventID),
				zap.String("eventType", env.EventType),
			)
			return nil
		})
		return mb, nil
	default:
		return nil, fmt.Errorf("unknown event bus %q", cfg.EventBus)
	}
}

func newSecretStore(b *base) (secrets.Store, error) {
	if b.cfg.SecretStore == config.SecretStoreMemory {
		b.logger.Warn("using in-memory secret store, endpoint secrets will not survive a restart")
		return secrets.NewMemoryStore(), nil
	}
	return secrets.NewRedisStore(b.rdb, secretKeyPrefix)
}

// scheduledJob names a periodic task. The name is also its job gate key and
// its ops route segment.
type scheduledJob struct {
	name     string
	task     jobs.Task
	interval time.Duration
}

func jobSchedule(cfg *config.Config, outbox, fanOut, webhooks, retention jobs.Task) []scheduledJob {
	return []scheduledJob{
		{name: service.OutboxDispatcherJobName, task: outbox, interval: cfg.OutboxDispatchInterval()},
		{name: service.WebhookFanOutJobName, task: fanOut, interval: cfg.FanOutInterval()},
		{name: service.WebhookDispatcherJobName, task: webhooks, interval: cfg.WebhookDispatchInterval()},
		{name: service.RetentionJobName, task: retention, interval: cfg.RetentionInterval()},
	}
}

func newRetentionSweeper(b *base, metrics *observability.Metrics) (*service.RetentionSweeper, error) {
	sweeper, err := service.NewRetentionSweeper(
		repository.NewGormOutboxRepo(b.db),
		repository.NewGormDeliveryRepo(b.db),
		repository.NewGormAttemptRepo(b.db),
		service.RetentionConfig{
			OutboxRetention:  b.cfg.OutboxRetention(),
			AttemptRetention: b.cfg.AttemptRetention(),
			BatchSize:        b.cfg.OutboxBatchSize,
		},
		b.logger.Named("retention"),
	)
	if err != nil {
		return nil, err
	}
	sweeper.SetMetrics(metrics)
	return sweeper, nil
}

func buildEngine(b *base) (*engine, error) {
	cfg := b.cfg
	logger := b.logger
	metrics := observability.NewMetrics()

	outboxRepo := repository.NewGormOutboxRepo(b.db)
	endpointRepo := repository.NewGormEndpointRepo(b.db)
	deliveryRepo := repository.NewGormDeliveryRepo(b.db)
	attemptRepo := repository.NewGormAttemptRepo(b.db)

	store, err := newSecretStore(b)
	if err != nil {
		return nil, err
	}
	signer, err := signing.NewSigner(store, cfg.SecretRotationGrace())
	if err != nil {
		return nil, err
	}
	limiter, err := infraredis.NewRedisRateLimiter(b.rdb, cfg.WebhookRateLimitPerSec)
	if err != nil {
		return nil, err
	}
	gate, err := infraredis.NewJobGate(b.rdb, cfg.JobGatePrefix)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(cfg, logger.Named("bus"))
	if err != nil {
		return nil, err
	}

	registry, err := service.NewEndpointRegistry(endpointRepo, store, service.EndpointDefaults{
		TimeoutMs:          cfg.WebhookDefaultTimeoutMs,
		MaxAttempts:        cfg.WebhookDefaultMaxAttempts,
		BackoffBaseSeconds: cfg.WebhookDefaultBackoffBaseSec,
	}, logger.Named("endpoints"))
	if err != nil {
		return nil, err
	}
	verifier, err := service.NewEndpointVerifier(registry, signer)
	if err != nil {
		return nil, err
	}

	outboxDispatcher, err := service.NewOutboxDispatcher(outboxRepo, publisher, service.OutboxDispatcherConfig{
		BatchSize:          cfg.OutboxBatchSize,
		MaxPublishAttempts: cfg.OutboxMaxPublishAttempts,
		ClaimLease:         cfg.OutboxClaimLease(),
		RetryBase:          cfg.OutboxRetryBase(),
		RetryCap:           cfg.OutboxRetryCap(),
	}, logger.Named("outbox"))
	if err != nil {
		return nil, err
	}
	outboxDispatcher.SetMetrics(metrics)

	fanOut, err := service.NewWebhookFanOut(outboxRepo, registry, deliveryRepo, service.WebhookFanOutConfig{
		Window:    cfg.FanOutWindow(),
		BatchSize: cfg.FanOutBatchSize,
	}, logger.Named("fanout"))
	if err != nil {
		return nil, err
	}
	fanOut.SetMetrics(metrics)

	webhookDispatcher, err := service.NewWebhookDispatcher(
		deliveryRepo,
		attemptRepo,
		outboxRepo,
		endpointRepo,
		signer,
		sender.NewHTTPSender(),
		limiter,
		service.WebhookDispatcherConfig{
			BatchSize:   cfg.WebhookBatchSize,
			ClaimLease:  cfg.WebhookClaimLease(),
			BackoffCap:  cfg.WebhookBackoffCap(),
			Concurrency: cfg.WebhookConcurrency,
		},
		logger.Named("webhooks"),
	)
	if err != nil {
		return nil, err
	}
	webhookDispatcher.SetMetrics(metrics)

	sweeper, err := newRetentionSweeper(b, metrics)
	if err != nil {
		return nil, err
	}

	deliveryAdmin, err := service.NewDeliveryAdmin(deliveryRepo, attemptRepo, logger.Named("deliveries"))
	if err != nil {
		return nil, err
	}
	outboxAdmin, err := service.NewOutboxAdmin(outboxRepo, cfg.OutboxMaxPublishAttempts, logger.Named("outbox-admin"))
	if err != nil {
		return nil, err
	}
	writer := service.NewOutboxWriter(b.db, logger.Named("outbox-writer"))

	schedule := jobSchedule(cfg, outboxDispatcher, fanOut, webhookDispatcher, sweeper)

	tasks := make(map[string]jobs.Task, len(schedule))
	runners := make([]*jobs.Runner, 0, len(schedule))
	for _, s := range schedule {
		runner, err := jobs.NewRunner(s.name, s.task, gate, s.interval, logger)
		if err != nil {
			return nil, err
		}
		runner.SetRecorder(metrics)
		runners = append(runners, runner)
		tasks[s.name] = s.task
	}

	app := fiber.New(fiber.Config{
		AppName:               "delivery-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	sqlDB, err := b.db.DB()
	if err != nil {
		return nil, err
	}
	handler.RegisterHealthRoutes(app, sqlDB, b.rdb, metrics.Handler())
	if err := handler.RegisterEndpointRoutes(app, registry, verifier); err != nil {
		return nil, err
	}
	if err := handler.RegisterDeliveryRoutes(app, deliveryAdmin); err != nil {
		return nil, err
	}
	if err := handler.RegisterOutboxRoutes(app, outboxAdmin); err != nil {
		return nil, err
	}
	if err := handler.RegisterEventRoutes(app, writer); err != nil {
		return nil, err
	}
	if err := handler.RegisterOpsRoutes(app, tasks, gate, logger.Named("ops")); err != nil {
		return nil, err
	}

	logger.Info("engine wired",
		zap.String("eventBus", cfg.EventBus),
		zap.String("secretStore", cfg.SecretStore),
		zap.Int("webhookConcurrency", cfg.WebhookConcurrency),
	)

	return &engine{
		app:       app,
		runners:   runners,
		publisher: publisher,
		writer:    writer,
	}, nil
}
