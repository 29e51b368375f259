package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/apiserver/middleware"
	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

var journeyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// WorkflowStore is the repository slice the HTTP handlers need.
type WorkflowStore interface {
	Create(ctx context.Context, journeyID, correlationID string) (*model.Workflow, error)
	GetWithSteps(ctx context.Context, journeyID string) (*model.Workflow, error)
}

// Driver runs the evaluation after the 202 has been returned.
type Driver interface {
	Execute(ctx context.Context, workflow *model.Workflow, input orchestrator.Input) error
}

type EvaluationHandler struct {
	store      WorkflowStore
	driver     Driver
	logger     *zap.Logger
	recorder   *metrics.Recorder
	background *sync.WaitGroup
}

func NewEvaluationHandler(store WorkflowStore, driver Driver, logger *zap.Logger, recorder *metrics.Recorder, background *sync.WaitGroup) *EvaluationHandler {
	if background == nil {
		background = &sync.WaitGroup{}
	}
	return &EvaluationHandler{store: store, driver: driver, logger: logger, recorder: recorder, background: background}
}

// Evaluate accepts the workflow and answers 202 immediately; the decision
// call runs in the background, so only validation and duplicate errors ever
// reach the caller.
func (h *EvaluationHandler) Evaluate(c *gin.Context) {
	journeyID := c.Param("journeyID")
	if !journeyIDPattern.MatchString(journeyID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed journey id"})
		return
	}

	correlationID := c.GetString(middleware.ContextCorrelationID)

	workflow, err := h.store.Create(c.Request.Context(), journeyID, correlationID)
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicateWorkflow) {
			h.recorder.DuplicateSuppressed("http")
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      "journey already has an active evaluation workflow",
				"journey_id": journeyID,
			})
			return
		}
		h.logger.Error("failed to create workflow",
			zap.String("journey_id", journeyID),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create workflow"})
		return
	}

	h.recorder.WorkflowStarted("http")

	// The request context dies when the 202 is written; the evaluation gets
	// its own context and is bounded only by the gateway timeout. The wait
	// group lets shutdown drain it before the database pool closes.
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if err := h.driver.Execute(context.Background(), workflow, orchestrator.Input{
			JourneyID: journeyID,
		}); err != nil {
			h.logger.Error("background evaluation failed",
				zap.String("workflow_id", workflow.ID.String()),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"workflow_id":    workflow.ID.String(),
		"journey_id":     journeyID,
		"correlation_id": correlationID,
		"status":         string(workflow.Status),
	})
}

func (h *EvaluationHandler) Status(c *gin.Context) {
	journeyID := c.Param("journeyID")
	if !journeyIDPattern.MatchString(journeyID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed journey id"})
		return
	}

	workflow, err := h.store.GetWithSteps(c.Request.Context(), journeyID)
	if err != nil {
		if errors.Is(err, postgres.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no evaluation workflow for journey"})
			return
		}
		h.logger.Error("failed to load workflow status",
			zap.String("journey_id", journeyID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow"})
		return
	}

	c.JSON(http.StatusOK, mapWorkflow(workflow))
}
