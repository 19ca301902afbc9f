package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	EventBusRabbitMQ = "rabbitmq"
	EventBusKafka    = "kafka"
	EventBusMemory   = "memory"

	SecretStoreRedis  = "redis"
	SecretStoreMemory = "memory"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	EventBus     string `env:"EVENT_BUS,default=rabbitmq"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=outbox.events"`

	OutboxDispatchIntervalSec int `env:"OUTBOX_DISPATCH_INTERVAL_SEC,default=60"`
	OutboxBatchSize           int `env:"OUTBOX_BATCH_SIZE,default=100"`
	OutboxMaxPublishAttempts  int `env:"OUTBOX_MAX_PUBLISH_ATTEMPTS,default=10"`
	OutboxClaimLeaseSec       int `env:"OUTBOX_CLAIM_LEASE_SEC,default=120"`
	OutboxRetryBaseSec        int `env:"OUTBOX_RETRY_BASE_SEC,default=5"`
	OutboxRetryCapSec         int `env:"OUTBOX_RETRY_CAP_SEC,default=600"`

	FanOutIntervalSec int `env:"FANOUT_INTERVAL_SEC,default=60"`
	FanOutWindowMin   int `env:"FANOUT_WINDOW_MIN,default=15"`
	FanOutBatchSize   int `env:"FANOUT_BATCH_SIZE,default=500"`

	WebhookDispatchIntervalSec   int `env:"WEBHOOK_DISPATCH_INTERVAL_SEC,default=60"`
	WebhookBatchSize             int `env:"WEBHOOK_BATCH_SIZE,default=50"`
	WebhookConcurrency           int `env:"WEBHOOK_CONCURRENCY,default=4"`
	WebhookClaimLeaseSec         int `env:"WEBHOOK_CLAIM_LEASE_SEC,default=300"`
	WebhookBackoffCapSec         int `env:"WEBHOOK_BACKOFF_CAP_SEC,default=3600"`
	WebhookRateLimitPerSec       int `env:"WEBHOOK_RATE_LIMIT_PER_SEC,default=20"`
	WebhookDefaultTimeoutMs      int `env:"WEBHOOK_DEFAULT_TIMEOUT_MS,default=10000"`
	WebhookDefaultMaxAttempts    int `env:"WEBHOOK_DEFAULT_MAX_ATTEMPTS,default=8"`
	WebhookDefaultBackoffBaseSec int `env:"WEBHOOK_DEFAULT_BACKOFF_BASE_SEC,default=30"`

	SecretStore              string `env:"SECRET_STORE,default=redis"`
	SecretRotationGraceHours int    `env:"SECRET_ROTATION_GRACE_HOURS,default=24"`

	RetentionOutboxDays   int `env:"RETENTION_OUTBOX_DAYS,default=30"`
	RetentionAttemptsDays int `env:"RETENTION_ATTEMPTS_DAYS,default=14"`
	RetentionIntervalMin  int `env:"RETENTION_INTERVAL_MIN,default=60"`

	JobGatePrefix string `env:"JOB_GATE_PREFIX,default=jobs:paused:"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.EventBus = strings.ToLower(strings.TrimSpace(cfg.EventBus))
	cfg.SecretStore = strings.ToLower(strings.TrimSpace(cfg.SecretStore))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	switch c.EventBus {
	case EventBusRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("invalid config: RABBITMQ_URL is required when EVENT_BUS=rabbitmq")
		}
	case EventBusKafka:
		if len(c.KafkaBrokerList()) == 0 {
			return fmt.Errorf("invalid config: KAFKA_BROKERS is required when EVENT_BUS=kafka")
		}
	case EventBusMemory:
	default:
		return fmt.Errorf("invalid config: unknown EVENT_BUS %q", c.EventBus)
	}

	switch c.SecretStore {
	case SecretStoreRedis, SecretStoreMemory:
	default:
		return fmt.Errorf("invalid config: unknown SECRET_STORE %q", c.SecretStore)
	}

	positive := map[string]int{
		"OUTBOX_DISPATCH_INTERVAL_SEC":  c.OutboxDispatchIntervalSec,
		"OUTBOX_BATCH_SIZE":             c.OutboxBatchSize,
		"OUTBOX_MAX_PUBLISH_ATTEMPTS":   c.OutboxMaxPublishAttempts,
		"OUTBOX_CLAIM_LEASE_SEC":        c.OutboxClaimLeaseSec,
		"OUTBOX_RETRY_BASE_SEC":         c.OutboxRetryBaseSec,
		"OUTBOX_RETRY_CAP_SEC":          c.OutboxRetryCapSec,
		"FANOUT_INTERVAL_SEC":           c.FanOutIntervalSec,
		"FANOUT_WINDOW_MIN":             c.FanOutWindowMin,
		"FANOUT_BATCH_SIZE":             c.FanOutBatchSize,
		"WEBHOOK_DISPATCH_INTERVAL_SEC": c.WebhookDispatchIntervalSec,
		"WEBHOOK_BATCH_SIZE":            c.WebhookBatchSize,
		"WEBHOOK_CONCURRENCY":           c.WebhookConcurrency,
		"WEBHOOK_CLAIM_LEASE_SEC":       c.WebhookClaimLeaseSec,
		"WEBHOOK_BACKOFF_CAP_SEC":       c.WebhookBackoffCapSec,
		"WEBHOOK_RATE_LIMIT_PER_SEC":    c.WebhookRateLimitPerSec,
		"RETENTION_OUTBOX_DAYS":         c.RetentionOutboxDays,
		"RETENTION_ATTEMPTS_DAYS":       c.RetentionAttemptsDays,
		"RETENTION_INTERVAL_MIN":        c.RetentionIntervalMin,
		"API_PORT":                      c.APIPort,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", name, value)
		}
	}
	if c.OutboxRetryCapSec < c.OutboxRetryBaseSec {
		return fmt.Errorf("invalid config: OUTBOX_RETRY_CAP_SEC must not be below OUTBOX_RETRY_BASE_SEC")
	}
	if c.SecretRotationGraceHours < 0 {
		return fmt.Errorf("invalid config: SECRET_ROTATION_GRACE_HOURS must not be negative")
	}
	return nil
}

func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) OutboxDispatchInterval() time.Duration {
	return time.Duration(c.OutboxDispatchIntervalSec) * time.Second
}

func (c *Config) OutboxClaimLease() time.Duration {
	return time.Duration(c.OutboxClaimLeaseSec) * time.Second
}

func (c *Config) OutboxRetryBase() time.Duration {
	return time.Duration(c.OutboxRetryBaseSec) * time.Second
}

func (c *Config) OutboxRetryCap() time.Duration {
	return time.Duration(c.OutboxRetryCapSec) * time.Second
}

func (c *Config) FanOutInterval() time.Duration {
	return time.Duration(c.FanOutIntervalSec) * time.Second
}

func (c *Config) FanOutWindow() time.Duration {
	return time.Duration(c.FanOutWindowMin) * time.Minute
}

func (c *Config) WebhookDispatchInterval() time.Duration {
	return time.Duration(c.WebhookDispatchIntervalSec) * time.Second
}

func (c *Config) WebhookClaimLease() time.Duration {
	return time.Duration(c.WebhookClaimLeaseSec) * time.Second
}

func (c *Config) WebhookBackoffCap() time.Duration {
	return time.Duration(c.WebhookBackoffCapSec) * time.Second
}

func (c *Config) SecretRotationGrace() time.Duration {
	return time.Duration(c.SecretRotationGraceHours) * time.Hour
}

func (c *Config) OutboxRetention() time.Duration {
	return time.Duration(c.RetentionOutboxDays) * 24 * time.Hour
}

func (c *Config) AttemptRetention() time.Duration {
	return time.Duration(c.RetentionAttemptsDays) * 24 * time.Hour
}

func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.RetentionIntervalMin) * time.Minute
}
