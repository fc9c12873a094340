// Package scheduler defines the execution port that decouples task
// acceptance from task execution. The lifecycle manager enqueues jobs
// and consumes completion reports without knowing whether the backend
// is an in-process worker pool or a message broker.
package scheduler

import (
	"context"

	"github.com/parleyhq/parley/internal/domain/protocol"
)

// Job is one unit of work handed to the execution backend.
type Job struct {
	TaskID    string            `json:"task_id"`
	ContextID string            `json:"context_id"`
	Payload   protocol.Message  `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Report is an execution-side progress or completion update flowing
// back to the lifecycle manager. State drives the task state machine;
// Artifact carries streamed output chunks.
type Report struct {
	TaskID       string             `json:"task_id"`
	ContextID    string             `json:"context_id"`
	State        protocol.TaskState `json:"state"`
	Message      *protocol.Message  `json:"message,omitempty"`
	Artifact     *protocol.Artifact `json:"artifact,omitempty"`
	Append       bool               `json:"append,omitempty"`
	LastChunk    bool               `json:"last_chunk,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Worker executes one job and emits reports through emit. Returning a
// non-nil error marks the task failed with the error text; a worker
// that already emitted a terminal report should return nil.
type Worker func(ctx context.Context, job Job, emit func(Report)) error

// Scheduler is the execution port. Enqueue must not block on job
// execution. Cancel returns whether a cancellation signal reached the
// executor; the authoritative state change still flows back as a
// Report. Reports returns the channel the lifecycle manager drains;
// it is closed by Close.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) error
	Cancel(ctx context.Context, taskID string) (bool, error)
	Reports() <-chan Report
	Close() error
}
