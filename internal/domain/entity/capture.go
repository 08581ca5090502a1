package entity

import "time"

// CaptureStatus is the lifecycle state of a capture session.
type CaptureStatus string

const (
	CaptureActive CaptureStatus = "active"
	CaptureEnded  CaptureStatus = "ended"
)

// CaptureSession buckets externally produced events streamed in over
// WebSocket or the REST facade. Unrelated to chat sessions.
type CaptureSession struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	Platform   string         `json:"platform,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	Status     CaptureStatus  `json:"status"`
	EventCount int            `json:"eventCount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CaptureEvent is one externally produced event bound to a capture session.
// Events are ordered by server receive time, then by the supplied timestamp.
type CaptureEvent struct {
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Platform  string         `json:"platform,omitempty"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
