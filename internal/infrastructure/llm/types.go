package llm

import (
	"github.com/aibridge/aibridge/internal/domain/entity"
)

// Canonical finish reasons. Vendor-specific stop reasons are flattened to
// this set at the adapter boundary.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
	FinishCancelled     = "cancelled"
)

// ChatRequest is the canonical request shape handed to every adapter.
// Messages carry the full ordered history including the system message.
type ChatRequest struct {
	Model       string
	Messages    []entity.Message
	Temperature float64
	MaxTokens   int
	Tools       []entity.ToolDef
}

// ChatResponse is the canonical completed-chat shape.
type ChatResponse struct {
	Content      string            `json:"response"`
	ToolCalls    []entity.ToolCall `json:"toolCalls,omitempty"`
	FinishReason string            `json:"finishReason"`
	Usage        entity.Usage      `json:"usage"`
	Model        string            `json:"model"`
	LatencyMs    int64             `json:"latency"`
}

// StreamDelta is one element of an adapter's finite delta sequence.
// The last delta has Done=true and carries usage and finish reason.
type StreamDelta struct {
	Delta        string            `json:"delta"`
	Done         bool              `json:"done"`
	Usage        *entity.Usage     `json:"usage,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
	ToolCalls    []entity.ToolCall `json:"toolCalls,omitempty"`
}

// Health is the result of a provider probe.
type Health struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// SystemPrompt extracts the system message from a canonical history.
func SystemPrompt(messages []entity.Message) string {
	for _, m := range messages {
		if m.Role == entity.RoleSystem {
			return m.Content
		}
	}
	return ""
}
