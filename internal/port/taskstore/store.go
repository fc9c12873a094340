// Package taskstore defines the storage port backing the task
// lifecycle manager. Implementations must serialize concurrent writers
// per task id and present consistent snapshots to readers; both
// reference implementations are verified by the shared suite in
// internal/adapter/storetest.
package taskstore

import (
	"context"

	"github.com/parleyhq/parley/internal/domain/protocol"
)

// Limit bounds applied to list operations.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// TaskQuery selects a page of tasks. ContextID is optional; Cursor is
// the opaque forward-only cursor from a previous page.
type TaskQuery struct {
	ContextID string
	Cursor    string
	Limit     int
}

// TaskPage is one page of task listing results. NextCursor is empty on
// the final page.
type TaskPage struct {
	Tasks      []protocol.Task
	NextCursor string
}

// ContextPage is one page of context listing results.
type ContextPage struct {
	Contexts   []protocol.ContextSummary
	NextCursor string
}

// Store is the persistence port for tasks, contexts, and push
// notification configs. All operations are atomic per entity.
//
// Error contract: domain.ErrNotFound for missing ids,
// domain.ErrConflict when a status write targets a task already in a
// terminal state, domain.ErrInvalidState for feedback on a
// non-terminal task.
type Store interface {
	// CreateTask inserts a new task record. An existing record with
	// the same id, in any state, returns domain.ErrConflict; of
	// concurrent creators for one id exactly one succeeds.
	CreateTask(ctx context.Context, task *protocol.Task) error

	// GetTask returns a snapshot of the task.
	GetTask(ctx context.Context, id string) (*protocol.Task, error)

	// UpdateTaskStatus appends a new status point. The terminal guard
	// lives here so every backend enforces it under its own locking.
	UpdateTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error

	// AttachFeedback records feedback on a terminal task.
	AttachFeedback(ctx context.Context, id string, fb protocol.Feedback) error

	// ListTasks pages through tasks, optionally filtered by context.
	// Tasks detached by ClearContext are excluded.
	ListTasks(ctx context.Context, q TaskQuery) (*TaskPage, error)

	// AppendHistory appends a message to the task's history.
	AppendHistory(ctx context.Context, taskID string, msg protocol.Message) error

	// UpsertArtifact writes an artifact. With append set, parts are
	// appended to the existing artifact in arrival order; otherwise the
	// artifact is replaced.
	UpsertArtifact(ctx context.Context, taskID string, artifact protocol.Artifact, append bool) error

	// PutContext creates or replaces a context.
	PutContext(ctx context.Context, c *protocol.Context) error

	// GetContext returns a snapshot of the context.
	GetContext(ctx context.Context, id string) (*protocol.Context, error)

	// AppendContextHistory appends a message to the context's history,
	// creating the context if it does not exist yet.
	AppendContextHistory(ctx context.Context, contextID string, msg protocol.Message) error

	// ListContexts pages through known contexts.
	ListContexts(ctx context.Context, cursor string, limit int) (*ContextPage, error)

	// ClearContext removes the context and its accumulated history and
	// detaches its tasks from future listings. The tasks themselves are
	// retained and stay fetchable by id.
	ClearContext(ctx context.Context, id string) error

	// PutPushConfig registers a push notification config for a task.
	PutPushConfig(ctx context.Context, cfg *protocol.PushNotificationConfig) error

	// ListPushConfigs returns all configs registered for a task.
	ListPushConfigs(ctx context.Context, taskID string) ([]protocol.PushNotificationConfig, error)

	// DeletePushConfig removes one config; both ids must match.
	DeletePushConfig(ctx context.Context, taskID, configID string) error
}

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
