// Package service holds the application core: the task lifecycle
// manager, the push dispatcher, the hybrid auth verifier, and the
// negotiation wiring. Both transport gateways call into this package
// and nothing here knows which transport a call arrived on.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	otelx "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/negotiation"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/port/scheduler"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

// Lifecycle is the task state machine owner. All task and context
// mutation flows through it; transports never touch the store or the
// scheduler directly.
type Lifecycle struct {
	store   taskstore.Store
	sched   scheduler.Scheduler
	bus     *event.Bus
	neg     *Negotiator
	metrics *otelx.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// SendResult is the outcome of SendMessage: a task when work was
// accepted, or a standalone rejection decision when negotiation turned
// the offer down. Decision is also set alongside Task for accepted
// offers.
type SendResult struct {
	Task     *protocol.Task        `json:"task,omitempty"`
	Decision *negotiation.Decision `json:"decision,omitempty"`
}

// NewLifecycle wires the manager. metrics may be nil.
func NewLifecycle(store taskstore.Store, sched scheduler.Scheduler, bus *event.Bus, neg *Negotiator, metrics *otelx.Metrics, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:   store,
		sched:   sched,
		bus:     bus,
		neg:     neg,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// SendMessage accepts a message for a new or existing task. For a new
// task carrying an offer descriptor, the negotiation engine decides
// acceptance first; rejected offers create no task.
func (l *Lifecycle) SendMessage(ctx context.Context, msg *protocol.Message) (*SendResult, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if msg.ContextID == "" {
		msg.ContextID = uuid.NewString()
	}
	if msg.TaskID == "" {
		msg.TaskID = uuid.NewString()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = protocol.RoleUser
	}
	msg.Kind = protocol.KindMessage
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	existing, err := l.store.GetTask(ctx, msg.TaskID)
	switch {
	case err == nil:
		task, err := l.continueTask(ctx, existing, msg)
		if err != nil {
			return nil, err
		}
		return &SendResult{Task: task}, nil
	case errors.Is(err, domain.ErrNotFound):
		return l.startTask(ctx, msg)
	default:
		return nil, err
	}
}

func (l *Lifecycle) startTask(ctx context.Context, msg *protocol.Message) (*SendResult, error) {
	var decision *negotiation.Decision
	offer, err := ExtractOffer(msg)
	if err != nil {
		return nil, err
	}
	if offer != nil && l.neg != nil {
		d := l.neg.Evaluate(*offer)
		decision = &d
		if !d.Accepted {
			if l.metrics != nil {
				l.metrics.OffersRejected.Add(ctx, 1)
			}
			l.log.Info("offer rejected",
				"task_id", msg.TaskID, "score", d.Score, "reason", d.RejectionReason)
			return &SendResult{Decision: decision}, nil
		}
	}

	task := &protocol.Task{
		ID:        msg.TaskID,
		ContextID: msg.ContextID,
		Status:    protocol.NewStatus(protocol.TaskStateSubmitted, l.now(), nil),
		History:   []protocol.Message{*msg},
	}
	if decision != nil {
		task.Metadata = map[string]string{"skill_id": decision.SkillID}
	}

	if err := l.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the creation race: a concurrent send with the same id
			// got there first, so this message becomes a follow-up.
			existing, gerr := l.store.GetTask(ctx, msg.TaskID)
			if gerr != nil {
				return nil, err
			}
			followed, cerr := l.continueTask(ctx, existing, msg)
			if cerr != nil {
				return nil, cerr
			}
			return &SendResult{Task: followed, Decision: decision}, nil
		}
		return nil, err
	}
	if err := l.store.AppendContextHistory(ctx, msg.ContextID, *msg); err != nil {
		return nil, err
	}

	l.publishStatus(task.ID, task.ContextID, task.Status)
	if l.metrics != nil {
		l.metrics.TasksCreated.Add(ctx, 1)
	}
	l.log.Info("task created", "task_id", task.ID, "context_id", task.ContextID)

	job := scheduler.Job{TaskID: task.ID, ContextID: task.ContextID, Payload: *msg, Metadata: task.Metadata}
	// A conflict means the task is already scheduled; that execution
	// covers this send, so the task must not be failed.
	if err := l.sched.Enqueue(ctx, job); err != nil && !errors.Is(err, domain.ErrConflict) {
		status := protocol.NewStatus(protocol.TaskStateFailed, l.now(), nil)
		if uerr := l.store.UpdateTaskStatus(ctx, task.ID, status); uerr == nil {
			l.publishStatus(task.ID, task.ContextID, status)
		}
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	snapshot, err := l.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &SendResult{Task: snapshot, Decision: decision}, nil
}

// continueTask routes a follow-up message: input-required tasks resume
// work, running tasks just accumulate history, terminal tasks refuse.
func (l *Lifecycle) continueTask(ctx context.Context, task *protocol.Task, msg *protocol.Message) (*protocol.Task, error) {
	if task.Status.State.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", task.ID, task.Status.State, domain.ErrConflict)
	}

	if err := l.store.AppendHistory(ctx, task.ID, *msg); err != nil {
		return nil, err
	}
	if err := l.store.AppendContextHistory(ctx, task.ContextID, *msg); err != nil {
		return nil, err
	}

	if task.Status.State == protocol.TaskStateInputRequired {
		status := protocol.NewStatus(protocol.TaskStateWorking, l.now(), nil)
		if err := l.store.UpdateTaskStatus(ctx, task.ID, status); err != nil {
			return nil, err
		}
		l.publishStatus(task.ID, task.ContextID, status)

		job := scheduler.Job{TaskID: task.ID, ContextID: task.ContextID, Payload: *msg}
		if err := l.sched.Enqueue(ctx, job); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("re-enqueue task %s: %w", task.ID, err)
		}
	}

	return l.store.GetTask(ctx, task.ID)
}

// Run drains scheduler reports until ctx is done or the report channel
// closes. It is the single writer applying execution-side transitions.
func (l *Lifecycle) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case report, ok := <-l.sched.Reports():
			if !ok {
				return nil
			}
			l.applyReport(ctx, report)
		}
	}
}

func (l *Lifecycle) applyReport(ctx context.Context, report scheduler.Report) {
	if report.Artifact != nil {
		if err := l.store.UpsertArtifact(ctx, report.TaskID, *report.Artifact, report.Append); err != nil {
			l.log.Error("artifact write failed", "task_id", report.TaskID, "error", err)
		} else {
			l.bus.Publish(event.TaskTopic(report.TaskID), protocol.ArtifactUpdateEvent{
				Kind:      protocol.KindArtifactUpdate,
				TaskID:    report.TaskID,
				ContextID: report.ContextID,
				Artifact:  *report.Artifact,
				Append:    report.Append,
				LastChunk: report.LastChunk,
			})
		}
	}

	if report.State == "" {
		return
	}

	task, err := l.store.GetTask(ctx, report.TaskID)
	if err != nil {
		l.log.Error("report for unknown task dropped", "task_id", report.TaskID, "error", err)
		return
	}

	msg := report.Message
	if msg == nil && report.ErrorMessage != "" {
		m := protocol.NewMessage(report.ContextID, report.TaskID, protocol.TextOf(report.ErrorMessage))
		m.Role = protocol.RoleAgent
		msg = &m
	}

	if task.Status.State == report.State {
		if msg != nil {
			if err := l.store.AppendHistory(ctx, report.TaskID, *msg); err != nil {
				l.log.Error("history append failed", "task_id", report.TaskID, "error", err)
			}
		}
		return
	}

	if !task.Status.State.CanTransition(report.State) {
		l.log.Warn("illegal transition dropped",
			"task_id", report.TaskID, "from", task.Status.State, "to", report.State)
		return
	}

	status := protocol.NewStatus(report.State, l.now(), msg)
	if err := l.store.UpdateTaskStatus(ctx, report.TaskID, status); err != nil {
		l.log.Error("status write failed", "task_id", report.TaskID, "error", err)
		return
	}
	if msg != nil {
		if err := l.store.AppendContextHistory(ctx, task.ContextID, *msg); err != nil {
			l.log.Error("context history append failed", "context_id", task.ContextID, "error", err)
		}
	}
	l.publishStatus(report.TaskID, task.ContextID, status)
	l.countTerminal(ctx, report.State)
	l.log.Info("task transitioned", "task_id", report.TaskID, "from", task.Status.State, "to", report.State)
}

// GetTask returns a task snapshot.
func (l *Lifecycle) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}
	return l.store.GetTask(ctx, id)
}

// ListTasks pages through tasks, optionally filtered by context.
func (l *Lifecycle) ListTasks(ctx context.Context, q taskstore.TaskQuery) (*taskstore.TaskPage, error) {
	return l.store.ListTasks(ctx, q)
}

// CancelTask requests cancellation. The state change is applied
// immediately; the scheduler signal stops the executor best-effort.
func (l *Lifecycle) CancelTask(ctx context.Context, id string) (*protocol.Task, error) {
	task, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.State.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status.State, domain.ErrConflict)
	}

	signaled, err := l.sched.Cancel(ctx, id)
	if err != nil {
		l.log.Warn("cancel signal failed", "task_id", id, "error", err)
	}

	status := protocol.NewStatus(protocol.TaskStateCanceled, l.now(), nil)
	if err := l.store.UpdateTaskStatus(ctx, id, status); err != nil {
		return nil, err
	}
	l.publishStatus(id, task.ContextID, status)
	if l.metrics != nil {
		l.metrics.TasksCanceled.Add(ctx, 1)
	}
	l.log.Info("task canceled", "task_id", id, "signaled", signaled)

	return l.store.GetTask(ctx, id)
}

// Feedback attaches caller feedback to a terminal task.
func (l *Lifecycle) Feedback(ctx context.Context, id string, fb protocol.Feedback) (*protocol.Task, error) {
	if fb.Rating < 1 || fb.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", domain.ErrValidation)
	}
	if err := l.store.AttachFeedback(ctx, id, fb); err != nil {
		return nil, err
	}
	return l.store.GetTask(ctx, id)
}

// ListContexts pages through known contexts.
func (l *Lifecycle) ListContexts(ctx context.Context, cursor string, limit int) (*taskstore.ContextPage, error) {
	return l.store.ListContexts(ctx, cursor, limit)
}

// ClearContext drops a context's history and detaches its tasks.
func (l *Lifecycle) ClearContext(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: context id is required", domain.ErrValidation)
	}
	return l.store.ClearContext(ctx, id)
}

// SetPushConfig registers a webhook for a task, assigning an id when
// the caller did not provide one.
func (l *Lifecycle) SetPushConfig(ctx context.Context, cfg *protocol.PushNotificationConfig) (*protocol.PushNotificationConfig, error) {
	if cfg == nil || cfg.TaskID == "" || cfg.URL == "" {
		return nil, fmt.Errorf("%w: task id and url are required", domain.ErrValidation)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := l.store.PutPushConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetPushConfig returns one registered webhook config.
func (l *Lifecycle) GetPushConfig(ctx context.Context, taskID, configID string) (*protocol.PushNotificationConfig, error) {
	configs, err := l.store.ListPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ID == configID {
			return &configs[i], nil
		}
	}
	return nil, fmt.Errorf("push config %s: %w", configID, domain.ErrNotFound)
}

// ListPushConfigs returns all webhook configs for a task.
func (l *Lifecycle) ListPushConfigs(ctx context.Context, taskID string) ([]protocol.PushNotificationConfig, error) {
	return l.store.ListPushConfigs(ctx, taskID)
}

// DeletePushConfig removes a webhook config; both ids must match.
func (l *Lifecycle) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	return l.store.DeletePushConfig(ctx, taskID, configID)
}

// Subscribe attaches a streaming consumer to one task's event feed.
func (l *Lifecycle) Subscribe(taskID string) (<-chan protocol.Event, func()) {
	return l.bus.Subscribe(event.TaskTopic(taskID))
}

func (l *Lifecycle) publishStatus(taskID, contextID string, status protocol.TaskStatus) {
	ev := protocol.NewStatusUpdate(taskID, contextID, status)
	l.bus.Publish(event.TaskTopic(taskID), ev)
	l.bus.Publish(event.TopicAllTasks, ev)
}

func (l *Lifecycle) countTerminal(ctx context.Context, state protocol.TaskState) {
	if l.metrics == nil {
		return
	}
	switch state {
	case protocol.TaskStateCompleted:
		l.metrics.TasksCompleted.Add(ctx, 1)
	case protocol.TaskStateFailed:
		l.metrics.TasksFailed.Add(ctx, 1)
	case protocol.TaskStateCanceled:
		l.metrics.TasksCanceled.Add(ctx, 1)
	}
}
