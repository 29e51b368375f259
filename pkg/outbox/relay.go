package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
}

// Publisher is satisfied by *kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay moves committed outbox rows onto the event bus. A row is marked
// published only after the broker acknowledges the write; a failed publish
// leaves the row pending for the next poll, so consumers must tolerate
// duplicates (they key on the event id).
type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

type Message struct {
	EventID       string      `json:"event_id"`
	EventType     string      `json:"event_type"`
	AggregateID   string      `json:"aggregate_id"`
	AggregateType string      `json:"aggregate_type"`
	Payload       model.JSONB `json:"payload"`
	CorrelationID string      `json:"correlation_id"`
	CreatedAt     time.Time   `json:"created_at"`
}

func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.ProcessPending(ctx)
		}
	}
}

func (r *Relay) ProcessPending(ctx context.Context) {
	events, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Warn("failed to publish outbox event, will retry next poll",
				zap.Error(err),
				zap.String("event_id", event.ID.String()),
				zap.String("correlation_id", event.CorrelationID),
			)
		}
	}
}

func (r *Relay) publishEvent(ctx context.Context, event model.OutboxEvent) error {
	message := Message{
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		AggregateID:   event.AggregateID.String(),
		AggregateType: event.AggregateType,
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID,
		CreatedAt:     event.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Keyed by aggregate id so all events for one workflow share a partition.
	kafkaMessage := kafka.Message{
		Key:   []byte(event.AggregateID.String()),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "rr-event-id", Value: []byte(event.ID.String())},
			{Key: "rr-correlation-id", Value: []byte(event.CorrelationID)},
		},
	}

	if err := r.publisher.WriteMessages(ctx, kafkaMessage); err != nil {
		return err
	}

	if err := r.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to mark event published",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
		return err
	}

	r.logger.Info("outbox event published",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.String("correlation_id", event.CorrelationID),
	)
	return nil
}
