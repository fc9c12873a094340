package protocol

// Artifact is task-produced output. Streamed artifacts arrive as
// ordered chunks appended under the same artifact id; LastChunk marks
// the artifact complete.
type Artifact struct {
	ID        string            `json:"artifact_id"`
	Name      string            `json:"name,omitempty"`
	Parts     []Part            `json:"parts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	LastChunk bool              `json:"last_chunk,omitempty"`
}
