// Package natsq implements the scheduler port on NATS JetStream so
// task execution can run on worker processes separate from the node
// that accepted the task. Jobs and reports travel through a shared
// stream; cancellation rides plain NATS subjects.
package natsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/scheduler"
)

const (
	streamName     = "PARLEY"
	subjectJobs    = "parley.jobs"
	subjectReports = "parley.reports"
	cancelPrefix   = "parley.cancel."
)

// Scheduler implements scheduler.Scheduler over JetStream. When built
// with a non-nil worker it also consumes jobs, so a single binary can
// act as both accepting node and executor.
type Scheduler struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	log     *slog.Logger
	reports chan scheduler.Report

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool

	stops []func()
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// Connect dials NATS, ensures the stream exists, and wires consumers.
// worker may be nil for an accept-only node.
func Connect(ctx context.Context, url string, worker scheduler.Worker, log *slog.Logger) (*Scheduler, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"parley.jobs", "parley.reports"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	s := &Scheduler{
		nc:      nc,
		js:      js,
		log:     log,
		reports: make(chan scheduler.Report, 256),
		active:  make(map[string]context.CancelFunc),
	}

	if err := s.consumeReports(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	if worker != nil {
		if err := s.consumeJobs(ctx, worker); err != nil {
			s.stopAll()
			nc.Close()
			return nil, err
		}
	}

	log.Info("nats scheduler connected", "url", url, "stream", streamName)
	return s, nil
}

func (s *Scheduler) Enqueue(ctx context.Context, job scheduler.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.js.Publish(ctx, subjectJobs, data); err != nil {
		return fmt.Errorf("publish job %s: %w", job.TaskID, err)
	}
	return nil
}

// Cancel broadcasts a cancellation signal. True means the signal was
// published; whether an executor holds the task is only known to the
// executor, which answers with a canceled report.
func (s *Scheduler) Cancel(_ context.Context, taskID string) (bool, error) {
	if err := s.nc.Publish(cancelPrefix+taskID, nil); err != nil {
		return false, fmt.Errorf("publish cancel %s: %w", taskID, err)
	}
	return true, nil
}

func (s *Scheduler) Reports() <-chan scheduler.Report {
	return s.reports
}

// QueueDepth reports locally running jobs. Queue backlog lives in the
// stream and is not cheaply observable per node.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	s.stopAll()
	err := s.nc.Drain()
	close(s.reports)
	return err
}

func (s *Scheduler) stopAll() {
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
}

// consumeReports feeds the lifecycle manager's report channel from the
// durable report consumer.
func (s *Scheduler) consumeReports(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       "parley-lifecycle",
		FilterSubject: subjectReports,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("report consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var report scheduler.Report
		if err := json.Unmarshal(msg.Data(), &report); err != nil {
			s.log.Error("malformed report dropped", "error", err)
			_ = msg.Term()
			return
		}
		select {
		case s.reports <- report:
			_ = msg.Ack()
		default:
			// Backpressure: leave the message for redelivery.
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("report consume: %w", err)
	}
	s.stops = append(s.stops, cons.Stop)
	return nil
}

// consumeJobs runs the worker for every job message and publishes the
// resulting reports.
func (s *Scheduler) consumeJobs(ctx context.Context, worker scheduler.Worker) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       "parley-workers",
		FilterSubject: subjectJobs,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("job consumer create: %w", err)
	}

	// One subscription covers cancellation for every local job.
	sub, err := s.nc.Subscribe(cancelPrefix+">", func(msg *nats.Msg) {
		taskID := strings.TrimPrefix(msg.Subject, cancelPrefix)
		s.mu.Lock()
		cancel, ok := s.active[taskID]
		s.mu.Unlock()
		if ok {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("cancel subscribe: %w", err)
	}
	s.stops = append(s.stops, func() { _ = sub.Unsubscribe() })

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var job scheduler.Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			s.log.Error("malformed job dropped", "error", err)
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
		go s.execute(job, worker)
	})
	if err != nil {
		return fmt.Errorf("job consume: %w", err)
	}
	s.stops = append(s.stops, cons.Stop)
	return nil
}

func (s *Scheduler) execute(job scheduler.Job, worker scheduler.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.active[job.TaskID] = cancel
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
		data, err := json.Marshal(r)
		if err != nil {
			s.log.Error("marshal report", "task_id", r.TaskID, "error", err)
			return
		}
		if _, err := s.js.Publish(context.Background(), subjectReports, data); err != nil {
			s.log.Error("publish report", "task_id", r.TaskID, "error", err)
		}
	}

	err := worker(ctx, job, emit)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		emit(scheduler.Report{State: protocol.TaskStateCanceled})
	default:
		s.log.Error("job failed", "task_id", job.TaskID, "error", err)
		emit(scheduler.Report{State: protocol.TaskStateFailed, ErrorMessage: err.Error()})
	}
}
