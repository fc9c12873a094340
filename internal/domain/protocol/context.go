package protocol

// Context is a conversation thread: an ordered message history plus
// the tasks spawned from it. Clearing a context detaches its tasks
// from future listings without touching task terminality.
type Context struct {
	ID       string            `json:"context_id"`
	History  []Message         `json:"history,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContextSummary is the listing projection of a context.
type ContextSummary struct {
	ID           string `json:"context_id"`
	MessageCount int    `json:"message_count"`
	TaskCount    int    `json:"task_count"`
}
