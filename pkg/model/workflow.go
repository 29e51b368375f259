package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	WorkflowInitiated      WorkflowStatus = "INITIATED"
	WorkflowInProgress     WorkflowStatus = "IN_PROGRESS"
	WorkflowCompleted      WorkflowStatus = "COMPLETED"
	WorkflowPartialSuccess WorkflowStatus = "PARTIAL_SUCCESS"
	WorkflowFailed         WorkflowStatus = "FAILED"
)

// ActiveStatuses is the set that suppresses a second workflow for the same
// journey: anything already in flight or already evaluated. FAILED workflows
// do not suppress, so a journey can be re-evaluated after a terminal failure.
var ActiveStatuses = []WorkflowStatus{
	WorkflowInitiated,
	WorkflowInProgress,
	WorkflowCompleted,
	WorkflowPartialSuccess,
}

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowPartialSuccess, WorkflowFailed:
		return true
	default:
		return false
	}
}

type Workflow struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey"`
	JourneyID      string           `gorm:"not null;index:idx_workflow_journey"`
	CorrelationID  string           `gorm:"not null"`
	Status         WorkflowStatus   `gorm:"type:varchar(50);not null;default:'INITIATED';index"`
	DecisionResult JSONB            `gorm:"type:jsonb"`
	Steps          []EvaluationStep `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func (Workflow) TableName() string {
	return "evaluation_workflows"
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}
