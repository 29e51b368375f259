package intake

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/railrepay/evaluation-coordinator/pkg/gateway"
	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

type fakeGateway struct {
	result *gateway.EvaluationResult
	calls  int
}

func (g *fakeGateway) Evaluate(ctx context.Context, req gateway.EvaluationRequest, correlationID string) (*gateway.EvaluationResult, error) {
	g.calls++
	return g.result, nil
}

type fixture struct {
	db        *gorm.DB
	repo      *postgres.WorkflowRepository
	gateway   *fakeGateway
	delay     *DelayNotificationHandler
	finalized *EvaluationFinalizedHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&model.Workflow{}, &model.EvaluationStep{}, &model.OutboxEvent{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	repo := postgres.NewWorkflowRepository(db)
	gw := &fakeGateway{result: &gateway.EvaluationResult{
		Eligible:           true,
		Scheme:             "S1",
		CompensationAmount: 1250,
	}}
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	orch := orchestrator.New(repo, gw, zap.NewNop(), recorder)

	return &fixture{
		db:        db,
		repo:      repo,
		gateway:   gw,
		delay:     NewDelayNotificationHandler(repo, orch, zap.NewNop(), recorder),
		finalized: NewEvaluationFinalizedHandler(repo, orch, zap.NewNop(), recorder),
	}
}

func (f *fixture) workflowCount(t *testing.T, journeyID string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&model.Workflow{}).Where("journey_id = ?", journeyID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count workflows: %v", err)
	}
	return count
}

func TestParseDelayNotificationValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		field   string
	}{
		{"malformed json", `{`, "payload"},
		{"missing journey id", `{"passenger_id":"P1","delay_minutes":30}`, "journey_id"},
		{"missing passenger id", `{"journey_id":"J1","delay_minutes":30}`, "passenger_id"},
		{"missing delay minutes", `{"journey_id":"J1","passenger_id":"P1"}`, "delay_minutes"},
		{"negative delay minutes", `{"journey_id":"J1","passenger_id":"P1","delay_minutes":-5}`, "delay_minutes"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDelayNotification([]byte(tc.payload))
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if validationErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, validationErr.Field)
			}
			if !validationErr.Permanent() {
				t.Fatal("validation errors must be permanent")
			}
		})
	}
}

func TestParseEvaluationFinalizedValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		field   string
	}{
		{"missing reason", `{"journey_id":"J1","passenger_id":"P1"}`, "reason"},
		{"unknown reason", `{"journey_id":"J1","passenger_id":"P1","reason":"weather"}`, "reason"},
		{"missing journey id", `{"passenger_id":"P1","reason":"belowThreshold"}`, "journey_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvaluationFinalized([]byte(tc.payload))
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if validationErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, validationErr.Field)
			}
		})
	}
}

func TestDelayHandlerDrivesWorkflowToCompletion(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J1","passenger_id":"P1","delay_minutes":70,"category_code":"EXPRESS","correlation_id":"corr-1"}`
	if err := f.delay.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	workflow, err := f.repo.GetWithSteps(context.Background(), "J1")
	if err != nil {
		t.Fatalf("GetWithSteps() error: %v", err)
	}
	if workflow.Status != model.WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", workflow.Status)
	}
	if workflow.CorrelationID != "corr-1" {
		t.Fatalf("expected supplied correlation id, got %s", workflow.CorrelationID)
	}
	if f.gateway.calls != 1 {
		t.Fatalf("expected one decision call, got %d", f.gateway.calls)
	}
}

func TestDelayHandlerGeneratesCorrelationID(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J1","passenger_id":"P1","delay_minutes":70}`
	if err := f.delay.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	workflow, err := f.repo.FindActive(context.Background(), "J1")
	if err != nil {
		t.Fatalf("FindActive() error: %v", err)
	}
	if workflow.CorrelationID == "" {
		t.Fatal("expected a generated correlation id")
	}
}

func TestDelayHandlerTreatsBlankCorrelationIDAsMissing(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J1","passenger_id":"P1","delay_minutes":70,"correlation_id":"   "}`
	if err := f.delay.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	workflow, err := f.repo.FindActive(context.Background(), "J1")
	if err != nil {
		t.Fatalf("FindActive() error: %v", err)
	}
	if workflow.CorrelationID == "" || strings.TrimSpace(workflow.CorrelationID) != workflow.CorrelationID {
		t.Fatalf("expected a generated correlation id, got %q", workflow.CorrelationID)
	}
}

func TestDelayHandlerSuppressesDuplicate(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J1","passenger_id":"P1","delay_minutes":70,"correlation_id":"corr-1"}`
	if err := f.delay.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("first Handle() error: %v", err)
	}
	if err := f.delay.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("duplicate Handle() must be swallowed, got: %v", err)
	}

	if count := f.workflowCount(t, "J1"); count != 1 {
		t.Fatalf("expected exactly one workflow row, got %d", count)
	}
	if f.gateway.calls != 1 {
		t.Fatalf("expected one decision call, got %d", f.gateway.calls)
	}
}

func TestCrossTriggerDuplicateSuppression(t *testing.T) {
	f := newFixture(t)

	delayPayload := `{"journey_id":"J1","passenger_id":"P1","delay_minutes":70,"correlation_id":"corr-1"}`
	if err := f.delay.Handle(context.Background(), []byte(delayPayload)); err != nil {
		t.Fatalf("delay Handle() error: %v", err)
	}

	finalizedPayload := `{"journey_id":"J1","passenger_id":"P1","reason":"belowThreshold"}`
	if err := f.finalized.Handle(context.Background(), []byte(finalizedPayload)); err != nil {
		t.Fatalf("finalized Handle() must be swallowed, got: %v", err)
	}

	if count := f.workflowCount(t, "J1"); count != 1 {
		t.Fatalf("expected exactly one workflow row, got %d", count)
	}
}

func TestFinalizedHandlerCompletesWithoutDecisionCall(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J2","passenger_id":"P1","reason":"belowThreshold","correlation_id":"corr-2"}`
	if err := f.finalized.Handle(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	workflow, err := f.repo.GetWithSteps(context.Background(), "J2")
	if err != nil {
		t.Fatalf("GetWithSteps() error: %v", err)
	}
	if workflow.Status != model.WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", workflow.Status)
	}
	if workflow.DecisionResult["eligible"] != false {
		t.Fatalf("expected eligible false, got %v", workflow.DecisionResult)
	}
	if workflow.DecisionResult["reason"] != "belowThreshold" {
		t.Fatalf("expected reason belowThreshold, got %v", workflow.DecisionResult["reason"])
	}
	if f.gateway.calls != 0 {
		t.Fatalf("decision service must not be called, got %d calls", f.gateway.calls)
	}
}

func TestDelayHandlerRejectsInvalidPayloadWithoutStateChange(t *testing.T) {
	f := newFixture(t)

	payload := `{"journey_id":"J1"}`
	err := f.delay.Handle(context.Background(), []byte(payload))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	if count := f.workflowCount(t, "J1"); count != 0 {
		t.Fatalf("validation failure must not create state, got %d rows", count)
	}
}
