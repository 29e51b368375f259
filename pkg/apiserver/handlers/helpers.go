package handlers

import (
	"time"

	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

type workflowResponse struct {
	ID             string         `json:"id"`
	JourneyID      string         `json:"journey_id"`
	CorrelationID  string         `json:"correlation_id"`
	Status         string         `json:"status"`
	DecisionResult model.JSONB    `json:"decision_result,omitempty"`
	Steps          []stepResponse `json:"steps"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	CompletedAt    *string        `json:"completed_at,omitempty"`
}

type stepResponse struct {
	ID           string      `json:"id"`
	StepType     string      `json:"step_type"`
	Status       string      `json:"status"`
	Payload      model.JSONB `json:"payload"`
	ErrorDetails model.JSONB `json:"error_details,omitempty"`
	StartedAt    string      `json:"started_at"`
	CompletedAt  *string     `json:"completed_at,omitempty"`
}

func mapWorkflow(workflow *model.Workflow) workflowResponse {
	steps := make([]stepResponse, 0, len(workflow.Steps))
	for _, step := range workflow.Steps {
		steps = append(steps, stepResponse{
			ID:           step.ID.String(),
			StepType:     string(step.StepType),
			Status:       string(step.Status),
			Payload:      step.Payload,
			ErrorDetails: step.ErrorDetails,
			StartedAt:    step.StartedAt.UTC().Format(time.RFC3339Nano),
			CompletedAt:  formatTime(step.CompletedAt),
		})
	}

	return workflowResponse{
		ID:             workflow.ID.String(),
		JourneyID:      workflow.JourneyID,
		CorrelationID:  workflow.CorrelationID,
		Status:         string(workflow.Status),
		DecisionResult: workflow.DecisionResult,
		Steps:          steps,
		CreatedAt:      workflow.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      workflow.UpdatedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:    formatTime(workflow.CompletedAt),
	}
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339Nano)
	return &formatted
}
