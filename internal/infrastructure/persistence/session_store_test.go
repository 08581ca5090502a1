package persistence

import (
	"sync"
	"testing"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*SessionStore, *entity.Device) {
	t.Helper()
	devices := NewDeviceRegistry(zap.NewNop())
	device, err := devices.Register("test-device", entity.DeviceWeb, entity.Capabilities{Streaming: true})
	if err != nil {
		t.Fatal(err)
	}
	known := func(id string) bool { return id == "claude" || id == "ollama-local" }
	return NewSessionStore(devices, known, zap.NewNop()), device
}

func validConfig() entity.SessionConfig {
	return entity.SessionConfig{
		Provider:     "claude",
		Model:        "claude-sonnet-4-5",
		Temperature:  0.7,
		MaxTokens:    1024,
		SystemPrompt: "You are helpful.",
	}
}

func TestSessionStore_CreateSeedsSystemPrompt(t *testing.T) {
	st, device := newTestStore(t)

	s, err := st.Create(device.ID, validConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status != entity.SessionActive {
		t.Fatalf("status = %v", s.Status)
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != entity.RoleSystem {
		t.Fatalf("system prompt should be the first log entry, got %+v", s.Messages)
	}
}

func TestSessionStore_CreateValidation(t *testing.T) {
	st, device := newTestStore(t)

	cfg := validConfig()
	cfg.Provider = "no-such-provider"
	if _, err := st.Create(device.ID, cfg); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("unknown provider: err = %v", err)
	}

	cfg = validConfig()
	cfg.Temperature = 2.5
	if _, err := st.Create(device.ID, cfg); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("temperature out of range: err = %v", err)
	}

	cfg = validConfig()
	cfg.Temperature = 2
	if _, err := st.Create(device.ID, cfg); err != nil {
		t.Fatalf("temperature at upper bound: err = %v", err)
	}

	cfg = validConfig()
	cfg.Temperature = 2.0000001
	if _, err := st.Create(device.ID, cfg); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("temperature just past upper bound: err = %v", err)
	}

	if _, err := st.Create("ghost-device", validConfig()); !apperrors.Is(err, apperrors.KindDeviceUnknown) {
		t.Fatalf("unknown device: err = %v", err)
	}
}

func TestSessionStore_AppendAndGet(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	updated, err := st.Append(s.ID,
		entity.Message{Role: entity.RoleUser, Content: "hello"},
		entity.Message{Role: entity.RoleAssistant, Content: "hi", Provider: "claude"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(updated.Messages) != 3 {
		t.Fatalf("log length = %d, want 3", len(updated.Messages))
	}

	got, err := st.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Messages[2].Content != "hi" {
		t.Fatalf("got %+v", got.Messages)
	}
}

func TestSessionStore_SnapshotIsolation(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	before, _ := st.Get(s.ID)
	n := len(before.Messages)

	st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "later"})
	if len(before.Messages) != n {
		t.Fatal("snapshot must not observe later appends")
	}
}

func TestSessionStore_EndIsIdempotentAndBlocksAppends(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	if _, err := st.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := st.End(s.ID); err != nil {
		t.Fatalf("second End should be a no-op, got %v", err)
	}

	_, err := st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "too late"})
	if !apperrors.Is(err, apperrors.KindSessionEnded) {
		t.Fatalf("append after end: err = %v", err)
	}

	// The log remains readable after end.
	if _, err := st.Get(s.ID); err != nil {
		t.Fatalf("Get after end: %v", err)
	}
}

func TestSessionStore_RollbackTo(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	before, _ := st.Get(s.ID)
	st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "doomed"})

	rolled, err := st.RollbackTo(s.ID, len(before.Messages))
	if err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if len(rolled.Messages) != len(before.Messages) {
		t.Fatalf("log length = %d, want %d", len(rolled.Messages), len(before.Messages))
	}
}

func TestSessionStore_RollbackDoesNotAliasSnapshots(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())
	base := len(s.Messages)

	held, err := st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "first"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := st.RollbackTo(s.ID, base); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if _, err := st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "second"}); err != nil {
		t.Fatalf("Append after rollback: %v", err)
	}

	if got := held.Messages[base].Content; got != "first" {
		t.Fatalf("snapshot mutated by append after rollback: %q", got)
	}
}

func TestSessionStore_ReplacePrefix(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	for i := 0; i < 6; i++ {
		st.Append(s.ID,
			entity.Message{Role: entity.RoleUser, Content: "q"},
			entity.Message{Role: entity.RoleAssistant, Content: "a"},
		)
	}

	summary := entity.Message{Role: entity.RoleSystem, Content: "You are helpful.\n\nConversation so far: ..."}
	condensed, err := st.ReplacePrefix(s.ID, 4, summary)
	if err != nil {
		t.Fatalf("ReplacePrefix: %v", err)
	}
	if len(condensed.Messages) != 5 {
		t.Fatalf("log length = %d, want 5", len(condensed.Messages))
	}
	if condensed.Messages[0].Role != entity.RoleSystem {
		t.Fatal("summary should lead the condensed log")
	}
	if condensed.Messages[4].Content != "a" {
		t.Fatal("recent tail should survive condensation")
	}
}

func TestSessionStore_UsageAccounting(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	st.AddUsage(s.ID, entity.Usage{Input: 10, Output: 20, Total: 30, Cost: 0.01})
	got, _ := st.AddUsage(s.ID, entity.Usage{Input: 5, Output: 5, Total: 10, Cost: 0.002})

	if got.Usage.Total != got.Usage.Input+got.Usage.Output {
		t.Fatalf("usage total invariant broken: %+v", got.Usage)
	}
	if got.Usage.Input != 15 || got.Usage.Output != 25 {
		t.Fatalf("usage = %+v", got.Usage)
	}
}

func TestSessionStore_SweepExpired(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	st.mu.Lock()
	st.sessions[s.ID].s.LastActivityAt = time.Now().Add(-3 * time.Hour)
	st.mu.Unlock()

	if n := st.SweepExpired(2 * time.Hour); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := st.Get(s.ID); !apperrors.Is(err, apperrors.KindSessionUnknown) {
		t.Fatal("expired session should be gone")
	}
}

func TestSessionStore_ConcurrentAppends(t *testing.T) {
	st, device := newTestStore(t)
	s, _ := st.Create(device.ID, validConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Append(s.ID, entity.Message{Role: entity.RoleUser, Content: "m"})
		}()
	}
	wg.Wait()

	got, _ := st.Get(s.ID)
	if len(got.Messages) != 21 { // system prompt + 20 appends
		t.Fatalf("log length = %d, want 21", len(got.Messages))
	}
}

func TestSession_PendingToolCalls(t *testing.T) {
	s := &entity.Session{Messages: []entity.Message{
		{Role: entity.RoleUser, Content: "weather?"},
		{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{
			{ID: "call_1", Name: "get_weather"},
			{ID: "call_2", Name: "get_time"},
		}},
		{Role: entity.RoleTool, ToolCallID: "call_1", Content: "sunny"},
	}}

	pending := s.PendingToolCalls()
	if len(pending) != 1 || pending[0].ID != "call_2" {
		t.Fatalf("pending = %+v", pending)
	}

	s.Messages = append(s.Messages, entity.Message{Role: entity.RoleTool, ToolCallID: "call_2", Content: "noon"})
	if s.PendingToolCalls() != nil {
		t.Fatal("fully answered turn should have no pending calls")
	}
}
