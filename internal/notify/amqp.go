package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// AMQPNotifier publishes events to a durable RabbitMQ queue. A broken
// channel is logged and the event dropped; notifications are advisory.
type AMQPNotifier struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *logger.Logger
}

// NewAMQPNotifier dials the broker and declares the queue.
func NewAMQPNotifier(cfg config.AMQPConfig, log *logger.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	queue := cfg.Queue
	if queue == "" {
		queue = "credit_layer.events"
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	log.WithField("queue", queue).Info("connected to notification broker")
	return &AMQPNotifier{conn: conn, channel: ch, queue: queue, log: log}, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).Warn("failed to encode notification")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Body:         body,
	})
	if err != nil {
		n.log.WithError(err).WithField("event_type", event.Type).Warn("failed to publish notification")
	}
}

// Close shuts down the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
