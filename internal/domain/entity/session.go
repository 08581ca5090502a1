package entity

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionConfig is fixed at session creation and never mutated afterwards.
type SessionConfig struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"maxTokens"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
}

// Session is an ordered append-only message log plus its fixed configuration.
//
// Invariants:
//   - the first message is the system prompt when config.SystemPrompt is set
//   - every assistant message with tool calls is followed, before the next
//     user message, by one tool-role message per tool call id
//   - Usage.Total == Usage.Input + Usage.Output
//   - once Status is ended no further mutation happens
type Session struct {
	ID             string        `json:"id"`
	DeviceID       string        `json:"deviceId"`
	Config         SessionConfig `json:"config"`
	Messages       []Message     `json:"messages"`
	Usage          Usage         `json:"usage"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Status         SessionStatus `json:"status"`
}

// Snapshot returns a read-only copy. The message slice header is copied so
// later appends by the owner do not alias into the snapshot's view.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Messages = s.Messages[:len(s.Messages):len(s.Messages)]
	return &cp
}

// PendingToolCalls returns the tool calls of the last assistant message when
// the session is waiting for tool results, or nil. A turn is waiting when the
// last assistant message carries tool calls not yet answered by tool-role
// messages.
func (s *Session) PendingToolCalls() []ToolCall {
	answered := make(map[string]bool)
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		switch msg.Role {
		case RoleTool:
			answered[msg.ToolCallID] = true
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				return nil
			}
			var pending []ToolCall
			for _, tc := range msg.ToolCalls {
				if !answered[tc.ID] {
					pending = append(pending, tc)
				}
			}
			return pending
		case RoleUser:
			return nil
		}
	}
	return nil
}

// ToolIterationsThisTurn counts assistant messages with tool calls since the
// last user message. Used to enforce the per-turn tool loop limit.
func (s *Session) ToolIterationsThisTurn() int {
	n := 0
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role == RoleUser {
			break
		}
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			n++
		}
	}
	return n
}
