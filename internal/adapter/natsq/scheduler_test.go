package natsq

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/scheduler"
)

// testConnect connects a scheduler with the given worker or skips the
// test if NATS_URL is not set.
func testConnect(t *testing.T, worker scheduler.Worker) *Scheduler {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	s, err := Connect(context.Background(), url, worker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func waitReport(t *testing.T, ch <-chan scheduler.Report, taskID string) scheduler.Report {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			// The stream is shared; skip reports from other test runs.
			if r.TaskID == taskID {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for report on %s", taskID)
		}
	}
}

func TestEnqueueExecuteReport(t *testing.T) {
	s := testConnect(t, func(_ context.Context, j scheduler.Job, emit func(scheduler.Report)) error {
		emit(scheduler.Report{State: protocol.TaskStateCompleted})
		return nil
	})

	taskID := "nats-test-" + t.Name() + time.Now().Format("150405.000")
	job := scheduler.Job{
		TaskID:    taskID,
		ContextID: "c1",
		Payload:   protocol.NewMessage("c1", taskID, protocol.TextOf("run")),
	}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitReport(t, s.Reports(), taskID)
	if r.State != protocol.TaskStateCompleted {
		t.Errorf("unexpected report: %+v", r)
	}
}

func TestCancelSignalsExecutor(t *testing.T) {
	started := make(chan string, 1)
	s := testConnect(t, func(ctx context.Context, j scheduler.Job, _ func(scheduler.Report)) error {
		started <- j.TaskID
		<-ctx.Done()
		return ctx.Err()
	})

	taskID := "nats-cancel-" + time.Now().Format("150405.000")
	job := scheduler.Job{
		TaskID:    taskID,
		ContextID: "c1",
		Payload:   protocol.NewMessage("c1", taskID, protocol.TextOf("run")),
	}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	ok, err := s.Cancel(context.Background(), taskID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}

	r := waitReport(t, s.Reports(), taskID)
	if r.State != protocol.TaskStateCanceled {
		t.Errorf("expected canceled report, got %+v", r)
	}
}
