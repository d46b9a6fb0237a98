package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by every operation after Close or a lost
// connection
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64

	// DeadLetterExchange receives job notifications rejected without requeue
	DeadLetterExchange string
}

func (c *Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

// retryPolicy is the publish backoff with defaults applied
type retryPolicy struct {
	retries int
	delay   time.Duration
	mult    float64
}

func (c *Config) retryPolicy() retryPolicy {
	p := retryPolicy{retries: c.PublishRetries, delay: c.PublishRetryDelay, mult: c.PublishBackoffMult}
	if p.retries <= 0 {
		p.retries = 3
	}
	if p.delay <= 0 {
		p.delay = 100 * time.Millisecond
	}
	if p.mult <= 0 {
		p.mult = 2.0
	}
	return p
}

// Client owns one connection and one channel. Publishing is serialized on
// the channel.
type Client struct {
	config    *Config
	logger    *slog.Logger
	conn      *amqp.Connection
	channel   *amqp.Channel
	publishMu sync.Mutex
	connected atomic.Bool
}

// NewClient connects, declares the job exchange and queue, and binds them
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{config: config, logger: logger}
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

func (c *Client) dial() (*amqp.Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.url(), amqpConfig)
		if err == nil {
			return conn, nil
		}
		c.logger.Error("Failed to connect to RabbitMQ",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}
	c.conn, c.channel = conn, channel

	if err := c.setup(); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	closed := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			c.connected.Store(false)
			c.logger.Error("RabbitMQ channel closed",
				slog.String("error", err.Error()),
			)
		}
	}()
	c.connected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
	)
	return nil
}

// setup declares the job exchange, the job queue and its binding
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.ExchangeDurable,
		c.config.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	var args amqp.Table
	if c.config.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": c.config.DeadLetterExchange}
	}
	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		c.config.QueueDurable,
		c.config.QueueAutoDelete,
		c.config.QueueExclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// PublishTo publishes msg as a persistent message to exchange with routingKey
func (c *Client) PublishTo(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.publishMu.Lock()
	err := c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	c.publishMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)
	return nil
}

// PublishWithRetry publishes a job notification to the configured exchange
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	return c.PublishToWithRetry(ctx, c.config.ExchangeName, c.config.RoutingKey, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
	})
}

// PublishToWithRetry is PublishTo with exponential backoff between attempts
func (c *Client) PublishToWithRetry(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	policy := c.config.retryPolicy()
	delay := policy.delay

	var lastErr error
	for attempt := 0; attempt <= policy.retries; attempt++ {
		lastErr = c.PublishTo(ctx, exchange, routingKey, msg)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNotConnected) || attempt == policy.retries {
			break
		}

		c.logger.Warn("Failed to publish message to RabbitMQ, retrying",
			slog.String("routing_key", routingKey),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.mult)
	}

	c.logger.Error("Failed to publish message to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.String("error", lastErr.Error()),
	)
	return lastErr
}

// DeclareQueue declares a durable queue reachable through the default
// exchange under its own name
func (c *Client) DeclareQueue(name string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := c.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Qos bounds the unacknowledged deliveries of this client's consumer
func (c *Client) Qos(prefetchCount int) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.channel.Qos(prefetchCount, 0, false)
}

// Consume starts consuming job notifications with manual acknowledgement
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	deliveries, err := c.channel.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the channel and the connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close RabbitMQ channel",
				slog.String("error", err.Error()),
			)
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
