package intake

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
)

// ValidationError identifies the first missing or invalid field of an
// inbound payload. Validation failures are permanent: redelivering the same
// message can never succeed, so consumers route them to the DLQ instead of
// retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event payload: field %q %s", e.Field, e.Reason)
}

func (e *ValidationError) Permanent() bool {
	return true
}

// DelayNotification is the typed form of a journey-delayed event.
// DelayMinutes is a pointer so an absent field is distinguishable from a
// zero-minute delay.
type DelayNotification struct {
	JourneyID      string `json:"journey_id"`
	PassengerID    string `json:"passenger_id"`
	DelayMinutes   *int   `json:"delay_minutes"`
	IsCancellation bool   `json:"is_cancellation"`
	CategoryCode   string `json:"category_code"`
	CorrelationID  string `json:"correlation_id"`
}

func ParseDelayNotification(payload []byte) (*DelayNotification, error) {
	var event DelayNotification
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}
	if strings.TrimSpace(event.JourneyID) == "" {
		return nil, &ValidationError{Field: "journey_id", Reason: "is required"}
	}
	if strings.TrimSpace(event.PassengerID) == "" {
		return nil, &ValidationError{Field: "passenger_id", Reason: "is required"}
	}
	if event.DelayMinutes == nil {
		return nil, &ValidationError{Field: "delay_minutes", Reason: "is required"}
	}
	if *event.DelayMinutes < 0 {
		return nil, &ValidationError{Field: "delay_minutes", Reason: "must not be negative"}
	}
	return &event, nil
}

// EvaluationFinalized is the typed form of an evaluation-finalized event:
// the outcome is already decided upstream, no decision call is needed.
type EvaluationFinalized struct {
	JourneyID     string `json:"journey_id"`
	PassengerID   string `json:"passenger_id"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
}

func ParseEvaluationFinalized(payload []byte) (*EvaluationFinalized, error) {
	var event EvaluationFinalized
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}
	if strings.TrimSpace(event.JourneyID) == "" {
		return nil, &ValidationError{Field: "journey_id", Reason: "is required"}
	}
	if strings.TrimSpace(event.PassengerID) == "" {
		return nil, &ValidationError{Field: "passenger_id", Reason: "is required"}
	}
	switch orchestrator.FinalReason(event.Reason) {
	case orchestrator.ReasonBelowThreshold, orchestrator.ReasonSourceUnavailable:
	case "":
		return nil, &ValidationError{Field: "reason", Reason: "is required"}
	default:
		return nil, &ValidationError{Field: "reason", Reason: fmt.Sprintf("has unknown value %q", event.Reason)}
	}
	return &event, nil
}
