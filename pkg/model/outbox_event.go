package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	AggregateTypeWorkflow = "EvaluationWorkflow"

	EventTypeEvaluationCompleted = "evaluation.completed"
)

// OutboxEvent rows are written only inside the workflow completion
// transaction and picked up by the relay binary. Published flips false→true
// exactly once and never reverts.
type OutboxEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	AggregateID   uuid.UUID `gorm:"type:uuid;not null;index"`
	AggregateType string    `gorm:"not null"`
	EventType     string    `gorm:"not null"`
	Payload       JSONB     `gorm:"type:jsonb;not null"`
	CorrelationID string    `gorm:"not null"`
	Published     bool      `gorm:"not null;default:false;index"`
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func (OutboxEvent) TableName() string {
	return "evaluation_outbox_events"
}
