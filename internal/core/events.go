package core

import "time"

// Job lifecycle event types.
const (
	EventJobEnqueued  = "job.enqueued"
	EventJobLeased    = "job.leased"
	EventJobCompleted = "job.completed"
	EventJobReclaimed = "job.reclaimed"
	EventJobStored    = "job.stored"
)

// JobEvent is published on every job state change.
type JobEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Kind      Kind   `json:"kind"`
	Identity  string `json:"identity,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewJobEvent stamps an event with the current time.
func NewJobEvent(eventType, jobID string, kind Kind, identity string) *JobEvent {
	return &JobEvent{
		Type:      eventType,
		JobID:     jobID,
		Kind:      kind,
		Identity:  identity,
		Timestamp: FormatTime(time.Now()),
	}
}

// EventPublisher fans job events out to subscribers.
type EventPublisher interface {
	PublishJobEvent(event *JobEvent) error
}

// EventSubscriber streams job events. The returned func unsubscribes.
type EventSubscriber interface {
	SubscribeAll() (<-chan *JobEvent, func(), error)
	SubscribeKind(kind Kind) (<-chan *JobEvent, func(), error)
}
