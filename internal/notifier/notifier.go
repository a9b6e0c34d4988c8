// Package notifier consumes job lifecycle events from RabbitMQ and fans
// them out to a small worker pool. Events are delivered at least once, so
// handling must tolerate duplicates.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/internal/events"
	"github.com/scribeworks/transcribe-be/shared/rabbitmq"
)

// Handler reacts to a job lifecycle event. The default handler logs the
// notification; deployments can plug in mail or chat integrations.
type Handler func(ctx context.Context, event *events.JobEvent) error

// Config holds notifier configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Concurrency   int
	PrefetchCount int
	Handler       Handler // optional
}

// Notifier is the lifecycle-event consumer service.
type Notifier struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	concurrency   int
	prefetchCount int
	handler       Handler
	consumerTag   string

	deliveries chan amqp.Delivery
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// New creates a Notifier instance.
func New(cfg *Config) *Notifier {
	handler := cfg.Handler
	n := &Notifier{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		handler:       handler,
		consumerTag:   "notifier-" + uuid.NewString(),
		deliveries:    make(chan amqp.Delivery),
		stopChan:      make(chan struct{}),
	}
	if n.handler == nil {
		n.handler = n.logNotification
	}
	return n
}

// Start consumes events until the context is canceled.
func (n *Notifier) Start(ctx context.Context) error {
	channel := n.rabbitClient.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if n.prefetchCount > 0 {
		if err := channel.Qos(n.prefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	deliveries, err := n.rabbitClient.Consume(n.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	n.logger.Info("Notifier started",
		slog.String("consumer_tag", n.consumerTag),
		slog.Int("concurrency", n.concurrency),
	)

	for i := 0; i < n.concurrency; i++ {
		n.wg.Add(1)
		go n.workerLoop(ctx, i)
	}

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Notifier stopping - context canceled")
			return nil

		case <-n.stopChan:
			n.logger.Info("Notifier stopping")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				n.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			select {
			case n.deliveries <- delivery:
			case <-ctx.Done():
				// Requeue so another consumer picks it up.
				if err := delivery.Nack(false, true); err != nil {
					n.logger.Error("Failed to NACK delivery on shutdown",
						slog.Any("error", err),
					)
				}
				return nil
			}
		}
	}
}

// Stop gracefully stops the worker pool.
func (n *Notifier) Stop() {
	close(n.stopChan)
	n.wg.Wait()
	n.logger.Info("Notifier stopped")
}

func (n *Notifier) workerLoop(ctx context.Context, workerNum int) {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-n.deliveries:
			if !ok {
				return
			}
			n.handleDelivery(ctx, workerNum, delivery)
		}
	}
}

func (n *Notifier) handleDelivery(ctx context.Context, workerNum int, delivery amqp.Delivery) {
	var event events.JobEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		n.logger.Error("Failed to parse job event",
			slog.Int("worker", workerNum),
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed events are unrecoverable, do not requeue.
		if err := delivery.Nack(false, false); err != nil {
			n.logger.Error("Failed to NACK malformed event",
				slog.Any("error", err),
			)
		}
		return
	}

	if event.JobID <= 0 || !domain.ValidStatus(event.Status) {
		n.logger.Error("Discarding invalid job event",
			slog.Int64("job_id", event.JobID),
			slog.String("status", event.Status),
		)
		if err := delivery.Nack(false, false); err != nil {
			n.logger.Error("Failed to NACK invalid event",
				slog.Any("error", err),
			)
		}
		return
	}

	if err := n.handler(ctx, &event); err != nil {
		n.logger.Error("Notification handler failed",
			slog.Int64("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
		// Requeue once; the broker's dead-letter policy bounds redelivery.
		if err := delivery.Nack(false, !delivery.Redelivered); err != nil {
			n.logger.Error("Failed to NACK event",
				slog.Any("error", err),
			)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		n.logger.Error("Failed to ACK event",
			slog.Int64("job_id", event.JobID),
			slog.Any("error", err),
		)
	}
}

// logNotification is the default handler.
func (n *Notifier) logNotification(_ context.Context, event *events.JobEvent) error {
	n.logger.Info("Job reached terminal state",
		slog.Int64("job_id", event.JobID),
		slog.String("owner_id", event.OwnerID),
		slog.String("status", event.Status),
		slog.String("input_name", event.InputName),
		slog.Time("occurred_at", event.OccurredAt),
	)
	return nil
}
