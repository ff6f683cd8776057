// Package core holds the leaf types shared by the chat, llm, and memory
// packages: conversation turns, roles, and token usage.
package core

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleSystem is the session instruction turn. It always sits at index 0
	// of the session context and is never flushed to the conversation store.
	RoleSystem Role = "system"

	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation session.
//
// Persisted tracks whether the turn has reached the conversation store. It
// only ever flips from false to true; stored turns are immutable.
type Turn struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Persisted bool   `json:"persisted"`
}

// NewTurn creates an unpersisted turn.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content}
}

// Usage reports token consumption from a completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined token count for budget checks.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
