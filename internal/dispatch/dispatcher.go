package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/msgroute/internal/payload"
	"github.com/cuongbtq/msgroute/internal/routing"
)

// Publisher publishes to an exchange with retries
type Publisher interface {
	PublishToWithRetry(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// RabbitDispatcher sends exitpoint messages to RabbitMQ. The exitpoint is
// used as the routing key, so with the default exchange it names the queue.
type RabbitDispatcher struct {
	publisher Publisher
	exchange  string
	appID     string
	logger    *slog.Logger
	newID     func() string
}

// Option configures a RabbitDispatcher
type Option func(*RabbitDispatcher)

// WithExchange publishes to exchange instead of the default exchange
func WithExchange(exchange string) Option {
	return func(d *RabbitDispatcher) { d.exchange = exchange }
}

// WithAppID stamps published messages with the sending application
func WithAppID(appID string) Option {
	return func(d *RabbitDispatcher) { d.appID = appID }
}

// WithIDGenerator replaces the ULID transport id generator
func WithIDGenerator(newID func() string) Option {
	return func(d *RabbitDispatcher) { d.newID = newID }
}

// NewRabbitDispatcher creates a dispatcher over publisher
func NewRabbitDispatcher(publisher Publisher, logger *slog.Logger, opts ...Option) *RabbitDispatcher {
	d := &RabbitDispatcher{
		publisher: publisher,
		logger:    logger,
		newID:     func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// contentType maps the payload family to a MIME type
func contentType(message []byte) string {
	switch payload.Detect(message).Family() {
	case payload.FamilyISO20022:
		return "application/xml"
	default:
		return "text/plain"
	}
}

// Send publishes message to queue and returns the transport message id
func (d *RabbitDispatcher) Send(ctx context.Context, queue string, message []byte) (string, error) {
	id := d.newID()
	err := d.publisher.PublishToWithRetry(ctx, d.exchange, queue, amqp.Publishing{
		ContentType: contentType(message),
		MessageId:   id,
		AppId:       d.appID,
		Type:        string(payload.Detect(message).Family()),
		Body:        message,
	})
	if err != nil {
		return "", fmt.Errorf("failed to dispatch to %s: %w", queue, err)
	}

	d.logger.Debug("Message dispatched",
		slog.String("exitpoint", queue),
		slog.String("transport_id", id),
	)
	return id, nil
}

var _ routing.Dispatcher = (*RabbitDispatcher)(nil)

// LogDispatcher records exitpoint sends in the log instead of publishing
// them. It serves routers running without a broker.
type LogDispatcher struct {
	logger *slog.Logger
	newID  func() string
}

// NewLogDispatcher creates a dispatcher writing to logger
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger, newID: func() string { return ulid.Make().String() }}
}

func (d *LogDispatcher) Send(ctx context.Context, queue string, message []byte) (string, error) {
	id := d.newID()
	d.logger.Info("Message reached exitpoint",
		slog.String("exitpoint", queue),
		slog.String("transport_id", id),
		slog.String("family", string(payload.Detect(message).Family())),
		slog.Int("size", len(message)),
	)
	return id, nil
}

var _ routing.Dispatcher = (*LogDispatcher)(nil)
