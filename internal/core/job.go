package core

import (
	"encoding/json"
	"time"
)

// Version is reported in response headers and the health endpoint.
const Version = "0.3.0"

// MediaType is the content type of every API response.
const MediaType = "application/json"

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StateNew      JobState = "new"
	StatePending  JobState = "pending"
	StateComplete JobState = "complete"
)

// Kind tags a job with the generator that built it.
type Kind string

const KindMontesinos Kind = "montesinos"

// Payload is the kind-specific, immutable body of a job.
type Payload interface {
	Kind() Kind
}

// Results is a worker's report for a single job.
type Results interface {
	JobID() string
}

// Job is a unit of work handed to a single worker at a time.
//
// Owner is set exactly when State is pending and Results exactly when State
// is complete.
type Job struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	State     JobState
	Owner     string
	Payload   Payload
	Results   Results
}

// Stats summarises the queue for one kind (or all kinds).
type Stats struct {
	QueueLength int `json:"queue_length"`
	New         int `json:"new"`
	Pending     int `json:"pending"`
	Complete    int `json:"complete"`
}

// MarshalJSON renders the job in its wire form, with the payload nested.
func (j Job) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID        string   `json:"job_id"`
		Kind      Kind     `json:"kind"`
		State     JobState `json:"state"`
		CreatedAt string   `json:"created_at"`
		Owner     string   `json:"owner,omitempty"`
		Payload   Payload  `json:"payload,omitempty"`
		Results   Results  `json:"results,omitempty"`
	}
	return json.Marshal(wire{
		ID:        j.ID,
		Kind:      j.Kind,
		State:     j.State,
		CreatedAt: FormatTime(j.CreatedAt),
		Owner:     j.Owner,
		Payload:   j.Payload,
		Results:   j.Results,
	})
}
