package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"journey_id": "J1", "delay_minutes": 45}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["journey_id"] != "J1" {
		t.Fatalf("expected journey_id J1, got %v", decoded["journey_id"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["journey_id"] != "J1" {
		t.Fatalf("expected scanned journey_id J1, got %v", scanned["journey_id"])
	}
}

func TestJSONBScanString(t *testing.T) {
	var scanned JSONB
	if err := scanned.Scan(`{"eligible":true}`); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned["eligible"] != true {
		t.Fatalf("expected eligible true, got %v", scanned["eligible"])
	}
}

func TestWorkflowStatusTerminal(t *testing.T) {
	terminal := []WorkflowStatus{WorkflowCompleted, WorkflowPartialSuccess, WorkflowFailed}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}

	active := []WorkflowStatus{WorkflowInitiated, WorkflowInProgress}
	for _, status := range active {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestActiveStatusesExcludeFailed(t *testing.T) {
	for _, status := range ActiveStatuses {
		if status == WorkflowFailed {
			t.Fatal("FAILED must not suppress re-evaluation")
		}
	}
}
