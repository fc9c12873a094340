package protocol

// Event is a stream update delivered to subscribers and push hooks.
// Exactly one of the concrete event types implements it per update.
type Event interface {
	EventKind() string
	EventTaskID() string
	EventContextID() string
}

// StatusUpdateEvent is emitted on every task state transition.
type StatusUpdateEvent struct {
	Kind      string     `json:"kind"`
	TaskID    string     `json:"task_id"`
	ContextID string     `json:"context_id"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// ArtifactUpdateEvent is emitted on every artifact write, independent
// of status transitions.
type ArtifactUpdateEvent struct {
	Kind      string   `json:"kind"`
	TaskID    string   `json:"task_id"`
	ContextID string   `json:"context_id"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append"`
	LastChunk bool     `json:"last_chunk"`
}

const (
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// NewStatusUpdate builds a status event; Final is derived from the
// state's terminality.
func NewStatusUpdate(taskID, contextID string, status TaskStatus) StatusUpdateEvent {
	return StatusUpdateEvent{
		Kind:      KindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Status:    status,
		Final:     status.State.Terminal(),
	}
}

func (e StatusUpdateEvent) EventKind() string      { return KindStatusUpdate }
func (e StatusUpdateEvent) EventTaskID() string    { return e.TaskID }
func (e StatusUpdateEvent) EventContextID() string { return e.ContextID }

func (e ArtifactUpdateEvent) EventKind() string      { return KindArtifactUpdate }
func (e ArtifactUpdateEvent) EventTaskID() string    { return e.TaskID }
func (e ArtifactUpdateEvent) EventContextID() string { return e.ContextID }
