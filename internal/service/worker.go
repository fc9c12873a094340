package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/scheduler"
)

// EchoWorker is the built-in executor used when no external worker is
// attached: it moves the task to working, emits one text artifact
// echoing the inbound message, and completes. It exists so the server
// is exercisable end to end out of the box.
func EchoWorker() scheduler.Worker {
	return func(ctx context.Context, job scheduler.Job, emit func(scheduler.Report)) error {
		emit(scheduler.Report{State: protocol.TaskStateWorking})
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(scheduler.Report{
			Artifact: &protocol.Artifact{
				ID:        uuid.NewString(),
				Name:      "echo",
				Parts:     []protocol.Part{protocol.TextOf(job.Payload.Text())},
				LastChunk: true,
			},
			LastChunk: true,
		})
		emit(scheduler.Report{State: protocol.TaskStateCompleted})
		return nil
	}
}
