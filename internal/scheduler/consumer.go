package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// setupConsumer bounds the unacknowledged notifications of this worker and
// starts consuming
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := w.deliveries.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.deliveries.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Job consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// decodeNotice turns a delivery into the pool message of its job
func decodeNotice(delivery amqp.Delivery) (*domain.JobMessage, error) {
	var notice JobNotice
	if err := json.Unmarshal(delivery.Body, &notice); err != nil {
		return nil, fmt.Errorf("malformed job notice: %w", err)
	}
	if err := domain.ValidateJobID(notice.JobID); err != nil {
		return nil, err
	}
	return &domain.JobMessage{
		JobID:       notice.JobID,
		DeliveryTag: delivery.DeliveryTag,
		Ack:         delivery,
	}, nil
}

// startMessageDispatcher moves job notifications into the pool. Notices that
// can never be processed are rejected without requeue so the broker
// dead-letters them.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Job consumer stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := decodeNotice(delivery)
			if err != nil {
				w.logger.Error("Rejecting job notice",
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
					slog.String("body", string(delivery.Body)),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK job notice",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if err := w.pool.Put(ctx, msg); err != nil {
				// Shutting down: hand the notice back to the broker
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK job notice on shutdown",
						slog.String("job_id", msg.JobID),
						slog.String("error", nackErr.Error()),
					)
				}
				return nil
			}
			w.logger.Debug("Job queued",
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
			)
		}
	}
}
