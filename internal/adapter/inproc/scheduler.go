// Package inproc implements the scheduler port as an in-process worker
// pool. Jobs run on a fixed set of goroutines; cancellation works by
// cancelling the per-job context.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/scheduler"
)

const queueSize = 256

// jobSlot tracks one scheduled job. Until a worker picks the job up
// the cancel func is a no-op and the canceled flag records a cancel
// that arrived while the job was still queued.
type jobSlot struct {
	cancel   context.CancelFunc
	canceled bool
}

// Scheduler runs jobs on a fixed worker pool and reports progress on a
// single channel drained by the lifecycle manager.
type Scheduler struct {
	worker  scheduler.Worker
	log     *slog.Logger
	jobs    chan scheduler.Job
	reports chan scheduler.Report

	mu     sync.Mutex
	active map[string]*jobSlot
	closed bool

	wg sync.WaitGroup
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// New starts a pool of the given size. The worker callback executes
// every job; it must be safe for concurrent use.
func New(workers int, worker scheduler.Worker, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		worker:  worker,
		log:     log,
		jobs:    make(chan scheduler.Job, queueSize),
		reports: make(chan scheduler.Report, queueSize),
		active:  make(map[string]*jobSlot),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.run()
	}
	return s
}

func (s *Scheduler) Enqueue(_ context.Context, job scheduler.Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler closed: %w", domain.ErrUnavailable)
	}
	if _, running := s.active[job.TaskID]; running {
		s.mu.Unlock()
		return fmt.Errorf("task %s already scheduled: %w", job.TaskID, domain.ErrConflict)
	}
	// Reserve the slot before the job is picked up so a duplicate
	// enqueue between now and execution is rejected.
	s.active[job.TaskID] = &jobSlot{cancel: func() {}}
	s.mu.Unlock()

	select {
	case s.jobs <- job:
		return nil
	default:
		s.mu.Lock()
		delete(s.active, job.TaskID)
		s.mu.Unlock()
		return fmt.Errorf("job queue full: %w", domain.ErrUnavailable)
	}
}

func (s *Scheduler) Cancel(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	sl, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	sl.canceled = true
	cancel := sl.cancel
	s.mu.Unlock()
	cancel()
	return true, nil
}

func (s *Scheduler) Reports() <-chan scheduler.Report {
	return s.reports
}

// QueueDepth is the number of jobs waiting or running, used as the
// load signal during negotiation. Enqueue reserves the active slot up
// front, so the active set covers queued and executing jobs alike.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops accepting jobs, waits for in-flight work, and closes the
// report channel.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	close(s.reports)
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.execute(job)
	}
}

func (s *Scheduler) execute(job scheduler.Job) {
	s.mu.Lock()
	sl, ok := s.active[job.TaskID]
	if !ok || sl.canceled {
		// Canceled while still queued. The caller already applied the
		// terminal state, so the job is dropped without running.
		delete(s.active, job.TaskID)
		s.mu.Unlock()
		s.log.Debug("canceled job skipped", "task_id", job.TaskID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sl.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, job.TaskID)
		s.mu.Unlock()
	}()

	emit := func(r scheduler.Report) {
		if r.TaskID == "" {
			r.TaskID = job.TaskID
		}
		if r.ContextID == "" {
			r.ContextID = job.ContextID
		}
		s.reports <- r
	}

	start := time.Now()
	err := s.worker(ctx, job, emit)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		emit(scheduler.Report{State: protocol.TaskStateCanceled})
	default:
		s.log.Error("job failed", "task_id", job.TaskID, "error", err)
		emit(scheduler.Report{State: protocol.TaskStateFailed, ErrorMessage: err.Error()})
	}
	s.log.Debug("job finished", "task_id", job.TaskID, "duration", time.Since(start))
}
