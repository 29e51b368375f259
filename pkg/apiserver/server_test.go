package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/railrepay/evaluation-coordinator/pkg/metrics"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
	"github.com/railrepay/evaluation-coordinator/pkg/orchestrator"
	"github.com/railrepay/evaluation-coordinator/pkg/store/postgres"
)

type stubDriver struct {
	executed chan *model.Workflow
	block    chan struct{}
}

func (d *stubDriver) Execute(ctx context.Context, workflow *model.Workflow, input orchestrator.Input) error {
	if d.block != nil {
		<-d.block
	}
	if d.executed != nil {
		d.executed <- workflow
	}
	return nil
}

type fixture struct {
	server     *Server
	repo       *postgres.WorkflowRepository
	driver     *stubDriver
	background *sync.WaitGroup
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
	driver := &stubDriver{executed: make(chan *model.Workflow, 1)}
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	background := &sync.WaitGroup{}

	return &fixture{
		server:     NewServer(repo, driver, zap.NewNop(), recorder, registry, background),
		repo:       repo,
		driver:     driver,
		background: background,
	}
}

func (f *fixture) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	recorder := f.request(t, http.MethodGet, "/health")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	recorder := f.request(t, http.MethodGet, "/metrics")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
}

func TestEvaluateAcceptsNewJourney(t *testing.T) {
	f := newFixture(t)

	recorder := f.request(t, http.MethodPost, "/evaluate/J1")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, recorder.Code, recorder.Body.String())
	}

	var response struct {
		WorkflowID    string `json:"workflow_id"`
		JourneyID     string `json:"journey_id"`
		CorrelationID string `json:"correlation_id"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.JourneyID != "J1" {
		t.Fatalf("expected journey_id J1, got %q", response.JourneyID)
	}
	if response.Status != string(model.WorkflowInitiated) {
		t.Fatalf("expected status INITIATED, got %q", response.Status)
	}
	if response.WorkflowID == "" || response.CorrelationID == "" {
		t.Fatal("expected workflow and correlation ids in response")
	}

	workflow, err := f.repo.FindActive(context.Background(), "J1")
	if err != nil {
		t.Fatalf("FindActive() error: %v", err)
	}
	if workflow.Status != model.WorkflowInitiated {
		t.Fatalf("expected stored status INITIATED, got %s", workflow.Status)
	}

	// The evaluation itself runs after the 202.
	executed := <-f.driver.executed
	if executed.ID != workflow.ID {
		t.Fatal("expected background execution for the created workflow")
	}
}

// A shutdown that waits on the group must not proceed while an evaluation
// accepted before the shutdown is still running against the database.
func TestBackgroundEvaluationDrain(t *testing.T) {
	f := newFixture(t)
	f.driver.block = make(chan struct{})

	recorder := f.request(t, http.MethodPost, "/evaluate/J1")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, recorder.Code)
	}

	drained := make(chan struct{})
	go func() {
		f.background.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("wait group drained while the evaluation was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.driver.block)
	<-f.driver.executed

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("wait group did not drain after the evaluation finished")
	}
}

func TestEvaluateDuplicateJourney(t *testing.T) {
	f := newFixture(t)

	if recorder := f.request(t, http.MethodPost, "/evaluate/J1"); recorder.Code != http.StatusAccepted {
		t.Fatalf("first call: expected 202, got %d", recorder.Code)
	}
	<-f.driver.executed

	recorder := f.request(t, http.MethodPost, "/evaluate/J1")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, recorder.Code)
	}

	workflow, err := f.repo.FindActive(context.Background(), "J1")
	if err != nil {
		t.Fatalf("FindActive() error: %v", err)
	}
	if workflow == nil {
		t.Fatal("expected the original workflow to remain")
	}
}

func TestEvaluateMalformedJourneyID(t *testing.T) {
	f := newFixture(t)

	tooLong := strings.Repeat("a", 80)
	recorder := f.request(t, http.MethodPost, "/evaluate/"+tooLong)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
}

func TestStatusNotFound(t *testing.T) {
	f := newFixture(t)

	recorder := f.request(t, http.MethodGet, "/status/unknown")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
}

func TestStatusReturnsWorkflowWithSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow, err := f.repo.Create(ctx, "J1", "corr-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	step := &model.EvaluationStep{
		WorkflowID: workflow.ID,
		StepType:   model.StepDecisionCheck,
		Status:     model.StepCompleted,
	}
	if err := f.repo.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep() error: %v", err)
	}
	decision := model.JSONB{"eligible": true, "scheme": "S1"}
	if err := f.repo.CompleteWithOutbox(ctx, workflow.ID, decision, model.JSONB{"journey_id": "J1"}, "corr-1"); err != nil {
		t.Fatalf("CompleteWithOutbox() error: %v", err)
	}

	recorder := f.request(t, http.MethodGet, "/status/J1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response struct {
		ID             string                 `json:"id"`
		JourneyID      string                 `json:"journey_id"`
		Status         string                 `json:"status"`
		DecisionResult map[string]interface{} `json:"decision_result"`
		Steps          []struct {
			StepType string `json:"step_type"`
			Status   string `json:"status"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != string(model.WorkflowCompleted) {
		t.Fatalf("expected COMPLETED, got %q", response.Status)
	}
	if response.DecisionResult["scheme"] != "S1" {
		t.Fatalf("expected scheme S1, got %v", response.DecisionResult)
	}
	if len(response.Steps) != 1 || response.Steps[0].StepType != string(model.StepDecisionCheck) {
		t.Fatalf("unexpected steps: %+v", response.Steps)
	}
}
