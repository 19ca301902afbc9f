package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes envelopes to the events topic exchange, routed
// by event type, and waits for the broker confirm.
type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, env Envelope) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ch, err := p.client.confirmChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     env.MessageKey(),
		CorrelationId: env.CorrelationID,
		Type:          env.EventType,
		Headers: amqp.Table{
			"tenant_id":      env.TenantID,
			"source_service": env.SourceService,
		},
		Body: body,
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, EventsExchangeName, RoutingKey(env.EventType), false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish event %q: %w", env.EventID, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for broker confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %q", env.EventID)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
