// Package events publishes job lifecycle events to RabbitMQ so interested
// consumers (notifications, audit) can react to terminal transitions without
// coupling to the HTTP service. Delivery is at-least-once; consumers must
// tolerate duplicates.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/scribeworks/transcribe-be/shared/rabbitmq"
)

// JobEvent describes a job reaching a terminal state.
type JobEvent struct {
	JobID      int64     `json:"job_id"`
	OwnerID    string    `json:"owner_id"`
	Status     string    `json:"status"`
	InputName  string    `json:"input_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher publishes job events through a RabbitMQ client.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishJobEvent serializes and publishes the event with retry.
func (p *Publisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	p.logger.Debug("Job event published",
		slog.Int64("job_id", event.JobID),
		slog.String("status", event.Status),
	)

	return nil
}
