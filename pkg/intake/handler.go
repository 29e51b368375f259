package intake

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

// WorkflowStore is the slice of the workflow repository intake needs for
// idempotent creation.
type WorkflowStore interface {
	Create(ctx context.Context, journeyID, correlationID string) (*model.Workflow, error)
	FindActive(ctx context.Context, journeyID string) (*model.Workflow, error)
}

// Driver is the orchestrator surface intake delegates to.
type Driver interface {
	Execute(ctx context.Context, workflow *model.Workflow, input orchestrator.Input) error
	Finalize(ctx context.Context, workflow *model.Workflow, passengerID string, reason orchestrator.FinalReason) error
}

type handler struct {
	store    WorkflowStore
	driver   Driver
	logger   *zap.Logger
	recorder *metrics.Recorder
	trigger  string
}

// resolveCorrelationID keeps a caller-supplied id so one trace spans
// services, or mints a fresh one with a warning. Blank includes
// whitespace-only; an all-spaces id is as useless in a trace as none.
func (h *handler) resolveCorrelationID(supplied, journeyID string) string {
	if trimmed := strings.TrimSpace(supplied); trimmed != "" {
		return trimmed
	}
	generated := uuid.New().String()
	h.logger.Warn("event missing correlation id, generated one",
		zap.String("journey_id", journeyID),
		zap.String("correlation_id", generated),
	)
	return generated
}

// acquireWorkflow performs the duplicate check and creates the workflow.
// A nil workflow with nil error means the trigger was a duplicate and has
// been suppressed.
func (h *handler) acquireWorkflow(ctx context.Context, journeyID, correlationID string) (*model.Workflow, error) {
	existing, err := h.store.FindActive(ctx, journeyID)
	if err != nil && !errors.Is(err, postgres.ErrWorkflowNotFound) {
		return nil, err
	}
	if existing != nil {
		h.logger.Info("duplicate trigger suppressed",
			zap.String("journey_id", journeyID),
			zap.String("workflow_id", existing.ID.String()),
			zap.String("status", string(existing.Status)),
			zap.String("correlation_id", correlationID),
		)
		h.recorder.DuplicateSuppressed(h.trigger)
		return nil, nil
	}

	workflow, err := h.store.Create(ctx, journeyID, correlationID)
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicateWorkflow) {
			// Lost the race to another trigger; same outcome as the pre-check.
			h.logger.Info("duplicate trigger suppressed on insert",
				zap.String("journey_id", journeyID),
				zap.String("correlation_id", correlationID),
			)
			h.recorder.DuplicateSuppressed(h.trigger)
			return nil, nil
		}
		return nil, err
	}

	h.recorder.WorkflowStarted(h.trigger)
	return workflow, nil
}

// DelayNotificationHandler consumes journey-delayed events and drives the
// full decision-check workflow.
type DelayNotificationHandler struct {
	handler
}

func NewDelayNotificationHandler(store WorkflowStore, driver Driver, logger *zap.Logger, recorder *metrics.Recorder) *DelayNotificationHandler {
	return &DelayNotificationHandler{handler{
		store:    store,
		driver:   driver,
		logger:   logger,
		recorder: recorder,
		trigger:  "delay-event",
	}}
}

func (h *DelayNotificationHandler) Handle(ctx context.Context, payload []byte) error {
	event, err := ParseDelayNotification(payload)
	if err != nil {
		return err
	}

	correlationID := h.resolveCorrelationID(event.CorrelationID, event.JourneyID)

	workflow, err := h.acquireWorkflow(ctx, event.JourneyID, correlationID)
	if err != nil || workflow == nil {
		return err
	}

	return h.driver.Execute(ctx, workflow, orchestrator.Input{
		JourneyID:      event.JourneyID,
		PassengerID:    event.PassengerID,
		CategoryCode:   event.CategoryCode,
		DelayMinutes:   *event.DelayMinutes,
		IsCancellation: event.IsCancellation,
	})
}

// EvaluationFinalizedHandler consumes events whose terminal decision was
// made upstream; the workflow goes straight to COMPLETED with a synthesized
// ineligible result.
type EvaluationFinalizedHandler struct {
	handler
}

func NewEvaluationFinalizedHandler(store WorkflowStore, driver Driver, logger *zap.Logger, recorder *metrics.Recorder) *EvaluationFinalizedHandler {
	return &EvaluationFinalizedHandler{handler{
		store:    store,
		driver:   driver,
		logger:   logger,
		recorder: recorder,
		trigger:  "finalized-event",
	}}
}

func (h *EvaluationFinalizedHandler) Handle(ctx context.Context, payload []byte) error {
	event, err := ParseEvaluationFinalized(payload)
	if err != nil {
		return err
	}

	correlationID := h.resolveCorrelationID(event.CorrelationID, event.JourneyID)

	workflow, err := h.acquireWorkflow(ctx, event.JourneyID, correlationID)
	if err != nil || workflow == nil {
		return err
	}

	return h.driver.Finalize(ctx, workflow, event.PassengerID, orchestrator.FinalReason(event.Reason))
}
