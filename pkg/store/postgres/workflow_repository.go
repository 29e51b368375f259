package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

var (
	// ErrDuplicateWorkflow means the journey already has a workflow in the
	// active set (anything but FAILED). Surfaced to HTTP callers as 422.
	ErrDuplicateWorkflow = errors.New("journey already has an active evaluation workflow")

	ErrWorkflowNotFound = errors.New("evaluation workflow not found")
)

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a new workflow in INITIATED unless the journey already has
// an active one. The pre-check gives the friendly duplicate error; a write
// that races past it hits the partial unique index and is classified to the
// same ErrDuplicateWorkflow.
func (r *WorkflowRepository) Create(ctx context.Context, journeyID, correlationID string) (*model.Workflow, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("journey_id = ? AND status IN ?", journeyID, model.ActiveStatuses).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateWorkflow
	}

	workflow := &model.Workflow{
		ID:            uuid.New(),
		JourneyID:     journeyID,
		CorrelationID: correlationID,
		Status:        model.WorkflowInitiated,
	}

	if err := r.db.WithContext(ctx).Create(workflow).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateWorkflow
		}
		return nil, err
	}

	return workflow, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	var workflow model.Workflow
	err := r.db.WithContext(ctx).First(&workflow, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return &workflow, nil
}

// FindActive returns the journey's workflow in the active set, or
// ErrWorkflowNotFound. This is the idempotency lookup used by event intake.
func (r *WorkflowRepository) FindActive(ctx context.Context, journeyID string) (*model.Workflow, error) {
	var workflow model.Workflow
	err := r.db.WithContext(ctx).
		Where("journey_id = ? AND status IN ?", journeyID, model.ActiveStatuses).
		Order("created_at DESC").
		First(&workflow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return &workflow, nil
}

// GetWithSteps loads the most recent workflow for a journey with its steps
// in execution order.
func (r *WorkflowRepository) GetWithSteps(ctx context.Context, journeyID string) (*model.Workflow, error) {
	var workflow model.Workflow
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("started_at ASC")
		}).
		Where("journey_id = ?", journeyID).
		Order("created_at DESC").
		First(&workflow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return &workflow, nil
}

func (r *WorkflowRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status.Terminal() {
		updates["completed_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&model.Workflow{}).Where("id = ?", id).Updates(updates).Error
}

func (r *WorkflowRepository) UpdateDecisionResult(ctx context.Context, id uuid.UUID, result model.JSONB) error {
	return r.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"decision_result": result,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *WorkflowRepository) CreateStep(ctx context.Context, step *model.EvaluationStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.Payload == nil {
		step.Payload = model.JSONB{}
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(step).Error
}

func (r *WorkflowRepository) UpdateStep(ctx context.Context, id uuid.UUID, status model.StepStatus, errorDetails model.JSONB) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": &now,
	}
	if errorDetails != nil {
		updates["error_details"] = errorDetails
	}
	return r.db.WithContext(ctx).Model(&model.EvaluationStep{}).Where("id = ?", id).Updates(updates).Error
}

func (r *WorkflowRepository) CreateOutboxEvent(ctx context.Context, event *model.OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

// CompleteWithOutbox is the transactional outbox primitive: decision result,
// COMPLETED status and the unpublished outbox row commit together or not at
// all. The transaction holds a single pooled connection for its duration.
func (r *WorkflowRepository) CompleteWithOutbox(ctx context.Context, workflowID uuid.UUID, decisionResult, outboxPayload model.JSONB, correlationID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		result := tx.Model(&model.Workflow{}).
			Where("id = ?", workflowID).
			Updates(map[string]interface{}{
				"decision_result": decisionResult,
				"status":          model.WorkflowCompleted,
				"updated_at":      now,
				"completed_at":    &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrWorkflowNotFound
		}

		event := &model.OutboxEvent{
			ID:            uuid.New(),
			AggregateID:   workflowID,
			AggregateType: model.AggregateTypeWorkflow,
			EventType:     model.EventTypeEvaluationCompleted,
			Payload:       outboxPayload,
			CorrelationID: correlationID,
			Published:     false,
		}
		return tx.Create(event).Error
	})
}

// Delete removes a workflow and, via the foreign key, its steps. Intended
// for administrative and test cleanup only.
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&model.Workflow{}, "id = ?", id).Error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// pgx and sqlite report the same condition without a pq.Error type.
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "UNIQUE constraint failed")
}
