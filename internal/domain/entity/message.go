package entity

import "time"

// Role identifies the author of a message in a session log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant's request to invoke an external function.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDef is a declarative tool descriptor advertised to the provider.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Message is one ordered element of a session's append-only log.
// Existing messages are never rewritten; only new entries are added.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Tokens     int        `json:"tokens,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Usage is the running token and cost accounting for a session or response.
type Usage struct {
	Input  int     `json:"inputTokens"`
	Output int     `json:"outputTokens"`
	Total  int     `json:"totalTokens"`
	Cost   float64 `json:"cost"`
}

// Add accumulates another usage record, keeping Total == Input + Output.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total = u.Input + u.Output
	u.Cost += other.Cost
}
