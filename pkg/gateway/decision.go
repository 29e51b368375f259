package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/railrepay/evaluation-coordinator/pkg/config"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultServiceCategory = "STANDARD"

	headerCorrelationID = "X-Correlation-ID"
)

type EvaluationRequest struct {
	JourneyID    string `json:"journey_id"`
	CategoryCode string `json:"category_code"`
	DelayMinutes int    `json:"delay_minutes"`
	FareAmount   int64  `json:"fare_amount"`
}

type EvaluationResult struct {
	Eligible           bool   `json:"eligible"`
	Scheme             string `json:"scheme"`
	CompensationAmount int64  `json:"compensation_amount"`
	Rationale          string `json:"rationale"`
}

// DecisionClient calls the external eligibility/decision service. Failures
// are classified, in priority order: timeout, HTTP status error, network
// error; anything else propagates as-is.
type DecisionClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

func NewDecisionClient(cfg *config.DecisionConfig, logger *zap.Logger) *DecisionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DecisionClient{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *DecisionClient) Evaluate(ctx context.Context, req EvaluationRequest, correlationID string) (*EvaluationResult, error) {
	if req.CategoryCode == "" {
		req.CategoryCode = defaultServiceCategory
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode decision request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerCorrelationID, correlationID)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		classified := c.classify(err)
		c.logger.Warn("decision service call failed",
			zap.String("correlation_id", correlationID),
			zap.String("journey_id", req.JourneyID),
			zap.Error(classified),
		)
		return nil, classified
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
		c.logger.Warn("decision service rejected request",
			zap.String("correlation_id", correlationID),
			zap.String("journey_id", req.JourneyID),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil, httpErr
	}

	var result EvaluationResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode decision response: %w", err)
	}

	c.logger.Info("decision service call succeeded",
		zap.String("correlation_id", correlationID),
		zap.String("journey_id", req.JourneyID),
		zap.Bool("eligible", result.Eligible),
		zap.String("scheme", result.Scheme),
		zap.Duration("duration", time.Since(start)),
	)

	return &result, nil
}

func (c *DecisionClient) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{TimeoutMS: c.timeout.Milliseconds()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{TimeoutMS: c.timeout.Milliseconds()}
	}
	return &NetworkError{Cause: err.Error()}
}
