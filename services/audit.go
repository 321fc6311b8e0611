package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"circuitpanel/config"
	"circuitpanel/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AuditPublisher mirrors every recorded user action to a durable RabbitMQ
// queue for downstream consumers. Publishing is best effort: a broker
// outage must never affect the toggle path.
type AuditPublisher struct {
	config    *config.Config
	logger    *zap.Logger
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	isClosing bool
}

// NewAuditPublisher connects to RabbitMQ and declares the audit exchange
// and queue.
func NewAuditPublisher(cfg *config.Config, logger *zap.Logger) (*AuditPublisher, error) {
	publisher := &AuditPublisher{
		config: cfg,
		logger: logger,
	}

	if err := publisher.connect(); err != nil {
		return nil, err
	}

	return publisher, nil
}

// connect establishes the connection and topology, retrying a few times on
// a cold broker.
func (p *AuditPublisher) connect() error {
	var err error

	p.logger.Info("Connecting to RabbitMQ", zap.String("url", p.config.RabbitMQURL))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		p.conn, err = amqp.Dial(p.config.RabbitMQURL)
		if err == nil {
			break
		}

		p.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.RabbitMQExchange, // name
		"direct",                  // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := p.channel.QueueDeclare(
		p.config.RabbitMQAuditQueue, // name
		true,                        // durable
		false,                       // delete when unused
		false,                       // exclusive
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = p.channel.QueueBind(
		queue.Name,                  // queue name
		p.config.RabbitMQAuditQueue, // routing key
		p.config.RabbitMQExchange,   // exchange
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	p.logger.Info("Audit queue ready",
		zap.String("exchange", p.config.RabbitMQExchange),
		zap.String("queue", queue.Name))

	go p.handleReconnect()

	return nil
}

// handleReconnect re-establishes the connection when the broker drops it.
func (p *AuditPublisher) handleReconnect() {
	closeErr := <-p.conn.NotifyClose(make(chan *amqp.Error))
	if p.isClosing {
		p.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	p.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		p.logger.Info("Attempting to reconnect to RabbitMQ...")

		p.mu.Lock()
		err := p.connect()
		p.mu.Unlock()

		if err == nil {
			p.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}

		p.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// Publish sends one audit event as a persistent message.
func (p *AuditPublisher) Publish(userID int, action string) error {
	event := models.AuditEvent{
		UserID:    userID,
		Action:    action,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return fmt.Errorf("audit channel not available")
	}

	err = p.channel.Publish(
		p.config.RabbitMQExchange,   // exchange
		p.config.RabbitMQAuditQueue, // routing key
		false,                       // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	p.logger.Debug("Published audit event",
		zap.Int("user_id", userID),
		zap.String("accion", action))

	return nil
}

// Close gracefully closes the RabbitMQ connection.
func (p *AuditPublisher) Close() error {
	p.isClosing = true

	p.logger.Info("Closing RabbitMQ connection")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	return nil
}
