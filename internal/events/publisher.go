package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "fudly.events"
	exchangeType = "topic"

	// Routing keys
	routingKeyNotify = "notify.message"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// AMQPNotifier publishes notification events to RabbitMQ; the bot layer
// consumes them and renders the actual chat messages.
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// notifyEvent is the wire shape of one notification request.
type notifyEvent struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// NewAMQPNotifier connects to RabbitMQ and declares the events exchange
func NewAMQPNotifier(url string, log *zap.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &AMQPNotifier{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

// SendMessage publishes one notification event. The caller owns the
// decision of what to do on failure; per the booking core's policy
// failures are logged and swallowed at the call site.
func (n *AMQPNotifier) SendMessage(ctx context.Context, recipientID, text string) error {
	event := notifyEvent{
		EventID:     uuid.New().String(),
		EventType:   routingKeyNotify,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		RecipientID: recipientID,
		Text:        text,
	}
	return n.publishWithRetry(ctx, routingKeyNotify, event)
}

// publishWithRetry publishes an event with exponential backoff retry
func (n *AMQPNotifier) publishWithRetry(ctx context.Context, routingKey string, event notifyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		// Publish with confirmation
		confirms := n.channel.NotifyPublish(make(chan amqp.Confirmation, 1))

		err := n.channel.PublishWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    event.EventID,
				Body:         body,
			},
		)
		if err != nil {
			lastErr = err
			n.log.Warn("Failed to publish notification, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Wait for confirmation
		select {
		case confirm := <-confirms:
			if confirm.Ack {
				return nil
			}
			lastErr = fmt.Errorf("event not acknowledged")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			lastErr = fmt.Errorf("confirmation timeout")
		}
	}

	return fmt.Errorf("failed to publish notification after %d attempts: %w", maxRetries, lastErr)
}

// IsHealthy checks if the notifier connection is healthy
func (n *AMQPNotifier) IsHealthy() bool {
	return n.conn != nil && !n.conn.IsClosed()
}

// Close closes the notifier connection
func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			n.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			n.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	return nil
}
