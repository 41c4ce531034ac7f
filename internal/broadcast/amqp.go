// Package broadcast implements the delivery edge toward the (external)
// message-delivery collaborator. Notices are published to a durable AMQP
// exchange; the subscriber-facing bot consumes them elsewhere.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/notice"
)

// Config holds AMQP connection and routing settings.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

// Message is the wire shape handed to the delivery collaborator.
type Message struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	URL         string              `json:"url"`
	Summary     string              `json:"summary"`
	CreatedAt   time.Time           `json:"created_at"`
	Attachments []notice.Attachment `json:"attachments,omitempty"`
	Text        string              `json:"text,omitempty"`
}

// AMQPBroadcaster implements notice.Broadcaster over RabbitMQ.
type AMQPBroadcaster struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewAMQP connects, declares the exchange and a bound durable queue, and
// returns the broadcaster.
func NewAMQP(cfg Config, logger *zap.Logger) (*AMQPBroadcaster, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broadcast: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broadcast: declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broadcast: declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broadcast: bind queue: %w", err)
	}

	return &AMQPBroadcaster{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}, nil
}

// BroadcastNotice publishes one notice for delivery.
func (b *AMQPBroadcaster) BroadcastNotice(ctx context.Context, n *notice.Notice) error {
	msg := Message{
		ID:          n.ID,
		Title:       n.Title,
		URL:         n.URL,
		Summary:     n.Summary,
		CreatedAt:   n.CreatedAt,
		Attachments: n.Attachments,
	}
	if err := b.publish(ctx, msg); err != nil {
		return fmt.Errorf("broadcast: publish notice %q: %w", n.ID, err)
	}
	b.logger.Info("notice broadcast", zap.String("id", n.ID), zap.String("title", n.Title))
	return nil
}

// BroadcastText publishes a free-form operator message (manual broadcast).
func (b *AMQPBroadcaster) BroadcastText(ctx context.Context, text string) error {
	if err := b.publish(ctx, Message{Text: text, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("broadcast: publish text: %w", err)
	}
	b.logger.Info("text broadcast", zap.Int("length", len(text)))
	return nil
}

func (b *AMQPBroadcaster) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return b.channel.PublishWithContext(ctx, b.exchange, b.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close tears down the channel and connection.
func (b *AMQPBroadcaster) Close() error {
	if err := b.channel.Close(); err != nil {
		b.conn.Close()
		return fmt.Errorf("broadcast: close channel: %w", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("broadcast: close connection: %w", err)
	}
	return nil
}
