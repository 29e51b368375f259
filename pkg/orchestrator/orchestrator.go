package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/gateway"
	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

// Store is the slice of the workflow repository the orchestrator needs.
type Store interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus) error
	CreateStep(ctx context.Context, step *model.EvaluationStep) error
	UpdateStep(ctx context.Context, id uuid.UUID, status model.StepStatus, errorDetails model.JSONB) error
	CompleteWithOutbox(ctx context.Context, workflowID uuid.UUID, decisionResult, outboxPayload model.JSONB, correlationID string) error
}

type DecisionGateway interface {
	Evaluate(ctx context.Context, req gateway.EvaluationRequest, correlationID string) (*gateway.EvaluationResult, error)
}

// Input carries everything the decision service needs for one journey.
// Fields beyond JourneyID may be absent on the HTTP path; the gateway
// applies defaults.
type Input struct {
	JourneyID      string
	PassengerID    string
	CategoryCode   string
	DelayMinutes   int
	FareAmount     int64
	IsCancellation bool
}

// FinalReason is the pre-decided outcome carried by an evaluation-finalized
// event; no decision service call is made for these.
type FinalReason string

const (
	ReasonBelowThreshold    FinalReason = "belowThreshold"
	ReasonSourceUnavailable FinalReason = "sourceUnavailable"
)

// Orchestrator drives one workflow from INITIATED to a terminal state.
// Decision-call failures are recorded into workflow and step state and are
// not returned: the workflow ending in FAILED is the outcome, not an error.
// Returned errors mean the store itself failed.
type Orchestrator struct {
	store    Store
	gateway  DecisionGateway
	logger   *zap.Logger
	recorder *metrics.Recorder
}

func New(store Store, gw DecisionGateway, logger *zap.Logger, recorder *metrics.Recorder) *Orchestrator {
	return &Orchestrator{
		store:    store,
		gateway:  gw,
		logger:   logger,
		recorder: recorder,
	}
}

// Execute runs the decision-check phase for a freshly created workflow.
func (o *Orchestrator) Execute(ctx context.Context, workflow *model.Workflow, input Input) error {
	start := time.Now()
	log := o.logger.With(
		zap.String("workflow_id", workflow.ID.String()),
		zap.String("journey_id", workflow.JourneyID),
		zap.String("correlation_id", workflow.CorrelationID),
	)

	step := &model.EvaluationStep{
		WorkflowID: workflow.ID,
		StepType:   model.StepDecisionCheck,
		Status:     model.StepPending,
		Payload: model.JSONB{
			"journey_id":    input.JourneyID,
			"category_code": input.CategoryCode,
			"delay_minutes": input.DelayMinutes,
			"fare_amount":   input.FareAmount,
		},
	}
	if err := o.store.CreateStep(ctx, step); err != nil {
		return err
	}

	// A cancellation cannot be submitted without its category code; the
	// workflow fails immediately instead of calling the decision service.
	if input.IsCancellation && input.CategoryCode == "" {
		log.Warn("cancellation event missing category code, failing workflow")
		details := model.JSONB{"message": "cancellation without category code cannot be evaluated"}
		if err := o.store.UpdateStep(ctx, step.ID, model.StepFailed, details); err != nil {
			return err
		}
		return o.failWorkflow(ctx, workflow, log)
	}

	result, err := o.gateway.Evaluate(ctx, gateway.EvaluationRequest{
		JourneyID:    input.JourneyID,
		CategoryCode: input.CategoryCode,
		DelayMinutes: input.DelayMinutes,
		FareAmount:   input.FareAmount,
	}, workflow.CorrelationID)
	if err != nil {
		stepStatus, details, class := classifyFailure(err)
		o.recorder.GatewayError(class)
		log.Warn("decision check failed", zap.String("class", class), zap.Error(err))
		if updateErr := o.store.UpdateStep(ctx, step.ID, stepStatus, details); updateErr != nil {
			return updateErr
		}
		return o.failWorkflow(ctx, workflow, log)
	}

	if err := o.store.UpdateStep(ctx, step.ID, model.StepCompleted, nil); err != nil {
		return err
	}

	decisionResult := model.JSONB{
		"eligible":            result.Eligible,
		"scheme":              result.Scheme,
		"compensation_amount": result.CompensationAmount,
		"rationale":           result.Rationale,
	}

	var followOn *model.EvaluationStep
	if result.Eligible {
		// An eligible decision triggers a downstream claim; the workflow
		// passes through IN_PROGRESS while the follow-on trigger is staged.
		if err := o.store.UpdateStatus(ctx, workflow.ID, model.WorkflowInProgress); err != nil {
			return err
		}
		log.Info("workflow in progress, staging follow-on claim",
			zap.String("scheme", result.Scheme),
			zap.Int64("compensation_amount", result.CompensationAmount),
		)

		followOn = &model.EvaluationStep{
			WorkflowID: workflow.ID,
			StepType:   model.StepFollowOnAction,
			Status:     model.StepPending,
			Payload: model.JSONB{
				"passenger_id":        input.PassengerID,
				"scheme":              result.Scheme,
				"compensation_amount": result.CompensationAmount,
			},
		}
		if err := o.store.CreateStep(ctx, followOn); err != nil {
			return err
		}
	}

	outboxPayload := model.JSONB{
		"journey_id":          input.JourneyID,
		"passenger_id":        input.PassengerID,
		"eligible":            result.Eligible,
		"scheme":              result.Scheme,
		"compensation_amount": result.CompensationAmount,
		"delay_minutes":       input.DelayMinutes,
		"correlation_id":      workflow.CorrelationID,
	}

	if err := o.store.CompleteWithOutbox(ctx, workflow.ID, decisionResult, outboxPayload, workflow.CorrelationID); err != nil {
		log.Error("completion transaction failed, workflow left pre-completion", zap.Error(err))
		return err
	}

	if followOn != nil {
		if err := o.store.UpdateStep(ctx, followOn.ID, model.StepCompleted, nil); err != nil {
			return err
		}
	}

	o.recorder.WorkflowCompleted()
	o.recorder.ObserveEvaluationDuration(time.Since(start))
	log.Info("workflow completed", zap.Bool("eligible", result.Eligible))
	return nil
}

// Finalize completes a workflow whose outcome arrived with the trigger
// itself; the decision service is never called.
func (o *Orchestrator) Finalize(ctx context.Context, workflow *model.Workflow, passengerID string, reason FinalReason) error {
	start := time.Now()
	log := o.logger.With(
		zap.String("workflow_id", workflow.ID.String()),
		zap.String("journey_id", workflow.JourneyID),
		zap.String("correlation_id", workflow.CorrelationID),
	)

	step := &model.EvaluationStep{
		WorkflowID: workflow.ID,
		StepType:   model.StepDecisionCheck,
		Status:     model.StepPending,
		Payload:    model.JSONB{"reason": string(reason), "source": "finalized-event"},
	}
	if err := o.store.CreateStep(ctx, step); err != nil {
		return err
	}
	if err := o.store.UpdateStep(ctx, step.ID, model.StepCompleted, nil); err != nil {
		return err
	}

	decisionResult := model.JSONB{
		"eligible": false,
		"reason":   string(reason),
	}
	outboxPayload := model.JSONB{
		"journey_id":          workflow.JourneyID,
		"passenger_id":        passengerID,
		"eligible":            false,
		"scheme":              "",
		"compensation_amount": int64(0),
		"delay_minutes":       0,
		"correlation_id":      workflow.CorrelationID,
	}

	if err := o.store.CompleteWithOutbox(ctx, workflow.ID, decisionResult, outboxPayload, workflow.CorrelationID); err != nil {
		log.Error("completion transaction failed, workflow left pre-completion", zap.Error(err))
		return err
	}

	o.recorder.WorkflowCompleted()
	o.recorder.ObserveEvaluationDuration(time.Since(start))
	log.Info("workflow finalized without decision call", zap.String("reason", string(reason)))
	return nil
}

func (o *Orchestrator) failWorkflow(ctx context.Context, workflow *model.Workflow, log *zap.Logger) error {
	if err := o.store.UpdateStatus(ctx, workflow.ID, model.WorkflowFailed); err != nil {
		return err
	}
	o.recorder.WorkflowFailed()
	log.Info("workflow failed")
	return nil
}

func classifyFailure(err error) (model.StepStatus, model.JSONB, string) {
	var timeoutErr *gateway.TimeoutError
	if errors.As(err, &timeoutErr) {
		return model.StepTimeout, model.JSONB{
			"message":    "TIMEOUT",
			"timeout_ms": timeoutErr.TimeoutMS,
		}, "timeout"
	}

	var httpErr *gateway.HTTPError
	if errors.As(err, &httpErr) {
		return model.StepFailed, model.JSONB{
			"message":     "decision service returned an error status",
			"status_code": httpErr.StatusCode,
			"body":        httpErr.Body,
		}, "http"
	}

	var netErr *gateway.NetworkError
	if errors.As(err, &netErr) {
		return model.StepFailed, model.JSONB{
			"message": netErr.Cause,
		}, "network"
	}

	return model.StepFailed, model.JSONB{"message": err.Error()}, "unknown"
}
