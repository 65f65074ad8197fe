package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/retry"
	"go.uber.org/zap"
)

// ReadingAcceptedEvent is published for every stored reading so billing can
// pick up the consumption
type ReadingAcceptedEvent struct {
	ReadingID    string   `json:"reading_id"`
	TenantID     string   `json:"tenant_id"`
	CustomerID   string   `json:"customer_id"`
	MeterID      string   `json:"meter_id"`
	ReadingValue string   `json:"reading_value"`
	ReadingDate  string   `json:"reading_date"`
	Consumption  *string  `json:"consumption"`
	DaysBetween  *int     `json:"days_between"`
	AnomalyFlag  *string  `json:"anomaly_flag"`
	AnomalyScore int      `json:"anomaly_score"`
	Source       string   `json:"source"`
	Reasons      []string `json:"anomaly_reasons,omitempty"`
}

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes reading events to a topic exchange
type Publisher struct {
	mu         sync.Mutex
	channel    channel
	exchange   string
	routingKey string
	policy     retry.Policy
	logger     *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, exchange, routingKey string, policy retry.Policy, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := declareTopicExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return newPublisher(ch, exchange, routingKey, policy, logger), nil
}

func newPublisher(ch channel, exchange, routingKey string, policy retry.Policy, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		policy:     policy,
		logger:     logger,
	}
}

// PublishReadingAccepted publishes event, retrying failed publishes with backoff
func (p *Publisher) PublishReadingAccepted(ctx context.Context, event ReadingAcceptedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ReadingID,
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
			p.logger.Warn("publish attempt failed",
				zap.Int("attempt", attempt),
				zap.String("reading_id", event.ReadingID),
				zap.Error(err),
			)
			return apperr.Transient("publish reading event", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reading accepted event",
		zap.String("routing_key", p.routingKey),
		zap.String("reading_id", event.ReadingID),
		zap.String("tenant_id", event.TenantID),
	)
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
