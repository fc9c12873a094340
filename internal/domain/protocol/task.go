package protocol

import (
	"time"
)

// TaskState enumerates the lifecycle states of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Terminal reports whether no further status mutation is permitted.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge
// of the task state machine.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateWorking || next == TaskStateCanceled ||
			next == TaskStateFailed
	case TaskStateWorking:
		return next == TaskStateInputRequired || next == TaskStateCompleted ||
			next == TaskStateFailed || next == TaskStateCanceled
	case TaskStateInputRequired:
		return next == TaskStateWorking || next == TaskStateCanceled ||
			next == TaskStateFailed
	}
	return false
}

// TaskStatus is one point on a task's lifecycle timeline.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
}

// NewStatus builds a TaskStatus stamped with the given clock reading.
func NewStatus(state TaskState, at time.Time, msg *Message) TaskStatus {
	return TaskStatus{State: state, Timestamp: at.UTC(), Message: msg}
}

// Feedback is a terminal-only annotation on a task. It never changes
// the state machine.
type Feedback struct {
	Rating   int               `json:"rating,omitempty"`
	Text     string            `json:"feedback,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Task is the unit of work tracked by the lifecycle manager. A task
// belongs to exactly one context, is created on the first message
// referencing its id, and is never deleted — terminal status
// supersedes it.
type Task struct {
	ID        string            `json:"id"`
	ContextID string            `json:"context_id"`
	Status    TaskStatus        `json:"status"`
	History   []Message         `json:"history,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Feedback  *Feedback         `json:"feedback,omitempty"`
}

// ArtifactByID returns the artifact with the given id, or nil.
func (t *Task) ArtifactByID(id string) *Artifact {
	for i := range t.Artifacts {
		if t.Artifacts[i].ID == id {
			return &t.Artifacts[i]
		}
	}
	return nil
}

// Clone returns a deep-enough copy safe to hand across goroutine
// boundaries: slices are copied, parts and messages are treated as
// immutable once created.
func (t *Task) Clone() *Task {
	cp := *t
	cp.History = append([]Message(nil), t.History...)
	cp.Artifacts = make([]Artifact, len(t.Artifacts))
	for i := range t.Artifacts {
		cp.Artifacts[i] = t.Artifacts[i]
		cp.Artifacts[i].Parts = append([]Part(nil), t.Artifacts[i].Parts...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.Feedback != nil {
		fb := *t.Feedback
		cp.Feedback = &fb
	}
	return &cp
}
