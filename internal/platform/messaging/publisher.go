// Package messaging publishes committed revenue-cycle events for downstream
// consumers such as posting, analytics and patient statements.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/domain/billing"
)

// Message is the body of every published event.
type Message struct {
	ClaimID     int64                  `json:"claim_id"`
	ClaimNumber string                 `json:"claim_number"`
	Sequence    int                    `json:"sequence"`
	Type        billing.EventType      `json:"type"`
	OldStatus   billing.Status         `json:"old_status"`
	NewStatus   billing.Status         `json:"new_status"`
	Details     map[string]interface{} `json:"details,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

func newMessage(c *billing.Claim, ev *billing.RevenueCycleEvent) Message {
	return Message{
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimNumber,
		Sequence:    ev.Sequence,
		Type:        ev.Type,
		OldStatus:   ev.OldStatus,
		NewStatus:   ev.NewStatus,
		Details:     ev.Details,
		OccurredAt:  ev.CreatedAt,
	}
}

// RoutingKey is claim.<event type>, so consumers can bind to claim.# or to
// single event types such as claim.paid.
func RoutingKey(t billing.EventType) string { return "claim." + string(t) }

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange with publisher
// confirms. Publish returns once the broker has confirmed every message.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       amqpChannel
	confirms <-chan amqp091.Confirmation
	exchange string
	logger   zerolog.Logger
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 16))

	p := newAMQPPublisher(ch, confirms, exchange, logger)
	p.conn = conn
	p.logger.Info().Str("exchange", exchange).Msg("event publisher connected")
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, confirms <-chan amqp091.Confirmation, exchange string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		ch:       ch,
		confirms: confirms,
		exchange: exchange,
		logger:   logger.With().Str("component", "messaging").Logger(),
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, c *billing.Claim, events []*billing.RevenueCycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		body, err := json.Marshal(newMessage(c, ev))
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msg := amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    fmt.Sprintf("%d-%d", c.ID, ev.Sequence),
			Timestamp:    ev.CreatedAt,
			Type:         string(ev.Type),
			Body:         body,
		}
		if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, msg); err != nil {
			return fmt.Errorf("publish %s for claim %d: %w", ev.Type, c.ID, err)
		}
		if err := p.awaitConfirm(ctx); err != nil {
			return fmt.Errorf("publish %s for claim %d: %w", ev.Type, c.ID, err)
		}
	}
	return nil
}

func (p *AMQPPublisher) awaitConfirm(ctx context.Context) error {
	if p.confirms == nil {
		return nil
	}
	select {
	case conf, ok := <-p.confirms:
		if !ok {
			return errors.New("channel closed before confirm")
		}
		if !conf.Ack {
			return fmt.Errorf("broker nacked delivery %d", conf.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "messaging").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, c *billing.Claim, events []*billing.RevenueCycleEvent) error {
	for _, ev := range events {
		p.logger.Info().Int64("claim_id", c.ID).Str("claim_number", c.ClaimNumber).
			Int("sequence", ev.Sequence).Str("routing_key", RoutingKey(ev.Type)).
			Str("old_status", string(ev.OldStatus)).Str("new_status", string(ev.NewStatus)).
			Msg("revenue cycle event")
	}
	return nil
}
