// Package protocol defines the A2A wire entities: messages, parts,
// tasks, artifacts, contexts, and push notification configs. These
// types are shared verbatim by both transport gateways so the two
// surfaces cannot drift apart.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// KindMessage is the discriminator value carried by every Message.
const KindMessage = "message"

// Message is a single conversational turn. It is immutable once
// created and owned by the Context it belongs to.
type Message struct {
	ID               string            `json:"message_id"`
	ContextID        string            `json:"context_id"`
	TaskID           string            `json:"task_id,omitempty"`
	Role             Role              `json:"role"`
	Kind             string            `json:"kind"`
	Parts            []Part            `json:"parts"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ReferenceTaskIDs []string          `json:"reference_task_ids,omitempty"`
}

// NewMessage builds a user message with a fresh id.
func NewMessage(contextID, taskID string, parts ...Part) Message {
	return Message{
		ID:        uuid.NewString(),
		ContextID: contextID,
		TaskID:    taskID,
		Role:      RoleUser,
		Kind:      KindMessage,
		Parts:     parts,
	}
}

// Validate checks structural invariants: a role, at least one part,
// and every part carrying exactly one variant.
func (m *Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("message %s: unknown role %q", m.ID, m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message %s: no parts", m.ID)
	}
	for i := range m.Parts {
		if err := m.Parts[i].Validate(); err != nil {
			return fmt.Errorf("message %s part %d: %w", m.ID, i, err)
		}
	}
	return nil
}

// Text concatenates the text content of all text parts. Used by the
// negotiation engine to derive an offer summary from the first message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Text != nil {
			if out != "" {
				out += " "
			}
			out += p.Text.Text
		}
	}
	return out
}
