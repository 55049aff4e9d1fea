package core

import "context"

// KindHandler is everything the server needs to know about one job kind.
type KindHandler interface {
	Kind() Kind
	// DecodeResults parses and validates a worker report.
	DecodeResults(data []byte) (Results, error)
	// Persist stores a completed job's results and releases its source.
	Persist(ctx context.Context, job Job) error
	// Replenish builds and enqueues up to count new jobs, returning how many
	// were enqueued.
	Replenish(ctx context.Context, count int) (int, error)
	// Recover re-enqueues jobs that were handed out before a restart.
	Recover(ctx context.Context) (int, error)
}
