package model

import (
	"time"

	"github.com/google/uuid"
)

type StepType string

const (
	StepDecisionCheck  StepType = "DECISION_CHECK"
	StepFollowOnAction StepType = "FOLLOW_ON_ACTION"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepTimeout   StepStatus = "TIMEOUT"
)

type EvaluationStep struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	WorkflowID   uuid.UUID  `gorm:"type:uuid;not null;index"`
	StepType     StepType   `gorm:"type:varchar(50);not null"`
	Status       StepStatus `gorm:"type:varchar(50);not null;default:'PENDING'"`
	Payload      JSONB      `gorm:"type:jsonb;not null;default:'{}'"`
	ErrorDetails JSONB      `gorm:"type:jsonb"`
	StartedAt    time.Time
	CompletedAt  *time.Time
}

func (EvaluationStep) TableName() string {
	return "evaluation_steps"
}
