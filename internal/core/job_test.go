package core

import (
	"encoding/json"
	"testing"
	"time"
)

type testPayload struct {
	Value string `json:"value"`
}

func (testPayload) Kind() Kind { return "test" }

type testResults struct {
	ID string `json:"job_id"`
}

func (r testResults) JobID() string { return r.ID }

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 6, 15, 12, 30, 45, 123000000, time.UTC)
	got := FormatTime(ts)
	want := "2024-06-15T12:30:45.123Z"
	if got != want {
		t.Errorf("FormatTime() = %q, want %q", got, want)
	}
}

func TestFormatTime_NonUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, loc)
	got := FormatTime(ts)
	// Should be converted to UTC: 17:00
	want := "2024-06-15T17:00:00.000Z"
	if got != want {
		t.Errorf("FormatTime(non-UTC) = %q, want %q", got, want)
	}
}

func TestJobMarshalJSON(t *testing.T) {
	job := Job{
		ID:        "test-id",
		Kind:      "test",
		State:     StatePending,
		Owner:     "alice",
		CreatedAt: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		Payload:   testPayload{Value: "x"},
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal output error: %v", err)
	}

	if m["job_id"] != "test-id" {
		t.Errorf("job_id = %v, want %q", m["job_id"], "test-id")
	}
	if m["state"] != string(StatePending) {
		t.Errorf("state = %v, want %q", m["state"], StatePending)
	}
	if m["owner"] != "alice" {
		t.Errorf("owner = %v, want %q", m["owner"], "alice")
	}
	if m["created_at"] != "2024-06-15T12:00:00.000Z" {
		t.Errorf("created_at = %v", m["created_at"])
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %#v, want object", m["payload"])
	}
	if payload["value"] != "x" {
		t.Errorf("payload.value = %v, want %q", payload["value"], "x")
	}
}

func TestJobMarshalJSON_OmitsEmptyFields(t *testing.T) {
	job := Job{
		ID:    "test-id",
		Kind:  "test",
		State: StateNew,
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}

	var m map[string]any
	json.Unmarshal(data, &m)

	for _, field := range []string{"owner", "payload", "results"} {
		if _, exists := m[field]; exists {
			t.Errorf("field %q should be omitted when empty", field)
		}
	}
}

func TestJobMarshalJSON_Results(t *testing.T) {
	job := Job{
		ID:      "test-id",
		Kind:    "test",
		State:   StateComplete,
		Results: testResults{ID: "test-id"},
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}

	var m map[string]any
	json.Unmarshal(data, &m)

	results, ok := m["results"].(map[string]any)
	if !ok {
		t.Fatalf("results = %#v, want object", m["results"])
	}
	if results["job_id"] != "test-id" {
		t.Errorf("results.job_id = %v, want %q", results["job_id"], "test-id")
	}
}
