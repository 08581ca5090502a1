package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/infrastructure/cache"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	"github.com/aibridge/aibridge/internal/infrastructure/persistence"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
)

// mockProvider replays scripted responses in order. The factory below hands
// out the instance registered for the config name, so each test can script
// its own provider.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []*llm.ChatResponse
	errs      []error
	deltas    []llm.StreamDelta
	requests  []*llm.ChatRequest
}

var (
	mockMu        sync.Mutex
	mockProviders = map[string]*mockProvider{}
)

func init() {
	llm.RegisterFactory("svc-mock", func(cfg llm.ProviderConfig, _ *zap.Logger) llm.Provider {
		mockMu.Lock()
		defer mockMu.Unlock()
		return mockProviders[cfg.Name]
	})
}

func (m *mockProvider) Name() string          { return m.name }
func (m *mockProvider) Models() []string      { return []string{"mock-model"} }
func (m *mockProvider) DefaultModel() string  { return "mock-model" }
func (m *mockProvider) Health(context.Context) llm.Health {
	return llm.Health{Healthy: true}
}

func (m *mockProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return nil, apperrors.New(apperrors.KindInternal, "mock script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, deltaCh chan<- llm.StreamDelta) (*llm.ChatResponse, error) {
	m.mu.Lock()
	deltas := m.deltas
	m.mu.Unlock()

	for _, d := range deltas {
		deltaCh <- d
	}
	return m.Chat(ctx, req)
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) lastRequest() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type fixture struct {
	orch     *Orchestrator
	sessions *persistence.SessionStore
	registry *llm.Registry
	mock     *mockProvider
	deviceID string
}

var fixtureSeq int

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	logger := zap.NewNop()

	fixtureSeq++
	providerName := fmt.Sprintf("mockp-%d", fixtureSeq)
	mock := &mockProvider{name: providerName}
	mockMu.Lock()
	mockProviders[providerName] = mock
	mockMu.Unlock()

	registry := llm.NewRegistry(logger)
	if err := registry.Add(llm.ProviderConfig{Name: providerName, Type: "svc-mock", Model: "mock-model"}); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}

	devices := persistence.NewDeviceRegistry(logger)
	dev, err := devices.Register("test-device", entity.DeviceWeb, entity.Capabilities{Streaming: true, Tools: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sessions := persistence.NewSessionStore(devices, func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}, logger)

	var rc *cache.ResponseCache
	if withCache {
		rc = cache.New(10, 0, logger)
	}
	limiter := ratelimit.New(ratelimit.Config{}, logger)

	return &fixture{
		orch:     NewOrchestrator(sessions, registry, limiter, rc, logger),
		sessions: sessions,
		registry: registry,
		mock:     mock,
		deviceID: dev.ID,
	}
}

func (f *fixture) newSession(t *testing.T, cfg entity.SessionConfig) string {
	t.Helper()
	if cfg.Provider == "" {
		cfg.Provider = f.mock.name
	}
	s, err := f.sessions.Create(f.deviceID, cfg)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return s.ID
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:      content,
		FinishReason: llm.FinishStop,
		Usage:        entity.Usage{Input: 10, Output: 5, Total: 15, Cost: 0.001},
		Model:        "mock-model",
	}
}

func toolResponse(calls ...entity.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    calls,
		Usage:        entity.Usage{Input: 10, Output: 5, Total: 15},
	}
}

func TestChat_SimpleTurn(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{SystemPrompt: "be brief"})

	f.mock.responses = []*llm.ChatResponse{textResponse("hello back")}

	res, err := f.orch.Chat(context.Background(), "client-1", sid, "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response.Content != "hello back" {
		t.Fatalf("content = %q", res.Response.Content)
	}

	s, _ := f.sessions.Get(sid)
	if len(s.Messages) != 3 { // system, user, assistant
		t.Fatalf("messages = %d, want 3", len(s.Messages))
	}
	if s.Messages[1].Role != entity.RoleUser || s.Messages[2].Role != entity.RoleAssistant {
		t.Fatalf("log shape wrong: %+v", s.Messages)
	}
	if s.Usage.Total != 15 || s.Usage.Cost != 0.001 {
		t.Fatalf("usage = %+v", s.Usage)
	}

	req := f.mock.lastRequest()
	if req.Model != "mock-model" || len(req.Messages) != 2 {
		t.Fatalf("request = %+v", req)
	}
}

func TestChat_UnknownSession(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.orch.Chat(context.Background(), "c", "no-such-id", "hi")
	if !apperrors.Is(err, apperrors.KindSessionUnknown) {
		t.Fatalf("err = %v, want SessionUnknown", err)
	}
}

func TestChat_EndedSession(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})
	f.sessions.End(sid)

	_, err := f.orch.Chat(context.Background(), "c", sid, "hi")
	if !apperrors.Is(err, apperrors.KindSessionEnded) {
		t.Fatalf("err = %v, want SessionEnded", err)
	}
}

func TestChat_EmptyMessage(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	_, err := f.orch.Chat(context.Background(), "c", sid, "   ")
	if !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestChat_ProviderErrorRollsBackUserMessage(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.errs = []error{apperrors.New(apperrors.KindProviderError, "upstream 500")}

	_, err := f.orch.Chat(context.Background(), "c", sid, "hi")
	if !apperrors.Is(err, apperrors.KindProviderError) {
		t.Fatalf("err = %v, want ProviderError", err)
	}

	s, _ := f.sessions.Get(sid)
	if len(s.Messages) != 0 {
		t.Fatalf("rejected turn must not leave messages behind, got %d", len(s.Messages))
	}
}

func TestChat_AuthFailureMarksProviderUnavailable(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.errs = []error{apperrors.New(apperrors.KindAuthInvalid, "bad key")}

	if _, err := f.orch.Chat(context.Background(), "c", sid, "hi"); !apperrors.Is(err, apperrors.KindAuthInvalid) {
		t.Fatalf("want AuthInvalid, got %v", err)
	}

	for _, info := range f.registry.List() {
		if info.ID == f.mock.name && info.Available {
			t.Fatal("provider must be unavailable after an auth failure")
		}
	}

	// The force-opened circuit rejects the next turn outright.
	if _, err := f.orch.Chat(context.Background(), "c", sid, "hi"); !apperrors.Is(err, apperrors.KindProviderUnavailable) {
		t.Fatalf("want ProviderUnavailable, got %v", err)
	}
	if f.mock.callCount() != 1 {
		t.Fatalf("open circuit must not reach the provider, calls = %d", f.mock.callCount())
	}
}

func TestChat_ToolRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	tools := []entity.ToolDef{{Name: "get_weather"}}
	sid := f.newSession(t, entity.SessionConfig{Tools: tools})

	call := entity.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Berlin"}}
	f.mock.responses = []*llm.ChatResponse{
		toolResponse(call),
		textResponse("sunny, 21C"),
	}

	res, err := f.orch.Chat(context.Background(), "c", sid, "weather in berlin?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response.FinishReason != llm.FinishToolCalls || len(res.PendingToolCalls) != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Wrong id must be rejected without touching the log.
	if _, err := f.orch.SubmitToolResults(context.Background(), "c", sid, []ToolResult{
		{ToolCallID: "call_wrong", Content: "x"},
	}); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}

	final, err := f.orch.SubmitToolResults(context.Background(), "c", sid, []ToolResult{
		{ToolCallID: "call_1", Content: `{"temp": 21}`},
	})
	if err != nil {
		t.Fatalf("SubmitToolResults: %v", err)
	}
	if final.Response.Content != "sunny, 21C" {
		t.Fatalf("content = %q", final.Response.Content)
	}

	s, _ := f.sessions.Get(sid)
	// user, assistant(tool_calls), tool, assistant
	if len(s.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(s.Messages))
	}
	if s.Messages[2].Role != entity.RoleTool || s.Messages[2].ToolCallID != "call_1" {
		t.Fatalf("tool message = %+v", s.Messages[2])
	}
	if s.PendingToolCalls() != nil {
		t.Fatal("no calls should remain pending")
	}

	// The follow-up provider call must carry the tool message.
	req := f.mock.lastRequest()
	if req.Messages[len(req.Messages)-1].Role != entity.RoleTool {
		t.Fatal("tool result must reach the provider")
	}
}

func TestSubmitToolResults_NoPending(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	_, err := f.orch.SubmitToolResults(context.Background(), "c", sid, []ToolResult{{ToolCallID: "x", Content: "y"}})
	if !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestChat_ToolLoopExceeded(t *testing.T) {
	f := newFixture(t, false)
	f.orch.SetLimits(0, 100) // keep condensation out of the way
	tools := []entity.ToolDef{{Name: "probe"}}
	sid := f.newSession(t, entity.SessionConfig{Tools: tools})

	// The provider asks for another tool on every round.
	for i := 0; i < 20; i++ {
		f.mock.responses = append(f.mock.responses,
			toolResponse(entity.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "probe"}))
	}

	res, err := f.orch.Chat(context.Background(), "c", sid, "go")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	for i := 0; ; i++ {
		if i > 10 {
			t.Fatal("loop never terminated")
		}
		res, err = f.orch.SubmitToolResults(context.Background(), "c", sid, []ToolResult{
			{ToolCallID: res.PendingToolCalls[0].ID, Content: "ok"},
		})
		if err != nil {
			if !apperrors.Is(err, apperrors.KindToolLoopExceeded) {
				t.Fatalf("err = %v, want ToolLoopExceeded", err)
			}
			break
		}
	}
}

func TestChat_CacheHitSkipsProvider(t *testing.T) {
	f := newFixture(t, true)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.responses = []*llm.ChatResponse{textResponse("42")}

	first, err := f.orch.Chat(context.Background(), "c", sid, "meaning of life?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if first.Cached {
		t.Fatal("first answer must not be cached")
	}

	// A second session with the identical history hits the cache.
	sid2 := f.newSession(t, entity.SessionConfig{})
	second, err := f.orch.Chat(context.Background(), "c", sid2, "meaning of life?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !second.Cached || second.Response.Content != "42" {
		t.Fatalf("second = %+v", second)
	}
	if f.mock.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", f.mock.callCount())
	}

	// A cache hit leaves the session log untouched.
	s, _ := f.sessions.Get(sid2)
	if len(s.Messages) != 0 {
		t.Fatalf("cache hit must not mutate the session, got %d messages", len(s.Messages))
	}
}

func TestChat_ToolSessionsBypassCache(t *testing.T) {
	f := newFixture(t, true)
	sid := f.newSession(t, entity.SessionConfig{Tools: []entity.ToolDef{{Name: "t"}}})

	f.mock.responses = []*llm.ChatResponse{textResponse("a"), textResponse("b")}

	f.orch.Chat(context.Background(), "c", sid, "q")
	res, err := f.orch.Chat(context.Background(), "c", sid, "q")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Cached {
		t.Fatal("tool sessions must never be served from cache")
	}
	if f.mock.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", f.mock.callCount())
	}
}

func TestChat_CondensesLongHistory(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	// Seed exactly ten messages of history: one below the trigger.
	for i := 0; i < 5; i++ {
		if _, err := f.sessions.Append(sid,
			entity.Message{Role: entity.RoleUser, Content: fmt.Sprintf("question %d", i)},
			entity.Message{Role: entity.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// The eleventh message tips the window: exactly one condensation call,
	// then the turn's own answer.
	f.mock.responses = []*llm.ChatResponse{
		textResponse("summary of it all"),
		textResponse("final answer"),
	}
	res, err := f.orch.Chat(context.Background(), "c", sid, "one more")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response.Content != "final answer" {
		t.Fatalf("content = %q", res.Response.Content)
	}
	if f.mock.callCount() != 2 {
		t.Fatalf("provider calls = %d, want condensation + answer", f.mock.callCount())
	}

	s, _ := f.sessions.Get(sid)
	// summary + kept tail (10) + assistant answer appended after condensing.
	if len(s.Messages) != 12 {
		t.Fatalf("messages = %d, want 12", len(s.Messages))
	}
	if s.Messages[0].Role != entity.RoleSystem || s.Messages[0].Content != "Summary of the earlier conversation: summary of it all" {
		t.Fatalf("first message must be the summary: %+v", s.Messages[0])
	}
	if last := s.Messages[len(s.Messages)-1]; last.Content != "final answer" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestChatStream_DeliversDeltasAndAppends(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.deltas = []llm.StreamDelta{
		{Delta: "hel"},
		{Delta: "lo"},
	}
	f.mock.responses = []*llm.ChatResponse{textResponse("hello")}

	deltaCh := make(chan llm.StreamDelta, 16)
	res, err := f.orch.ChatStream(context.Background(), "c", sid, "hi", deltaCh)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var got string
	for d := range deltaCh {
		got += d.Delta
	}
	if got != "hello" {
		t.Fatalf("streamed %q", got)
	}
	if res.Response.Content != "hello" {
		t.Fatalf("response = %+v", res.Response)
	}

	s, _ := f.sessions.Get(sid)
	if len(s.Messages) != 2 || s.Messages[1].Content != "hello" {
		t.Fatalf("assistant message missing: %+v", s.Messages)
	}
}

func TestChatStream_CancelledDiscardsPartialOutput(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.deltas = []llm.StreamDelta{{Delta: "par"}}
	f.mock.responses = []*llm.ChatResponse{{
		Content:      "par",
		FinishReason: llm.FinishCancelled,
		Usage:        entity.Usage{Input: 5, Output: 2, Total: 7},
	}}

	deltaCh := make(chan llm.StreamDelta, 16)
	if _, err := f.orch.ChatStream(context.Background(), "c", sid, "hi", deltaCh); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	s, _ := f.sessions.Get(sid)
	if len(s.Messages) != 0 {
		t.Fatalf("cancelled stream must not mutate the log, got %d messages", len(s.Messages))
	}
}

func TestStats_CountersAdvance(t *testing.T) {
	f := newFixture(t, false)
	sid := f.newSession(t, entity.SessionConfig{})

	f.mock.responses = []*llm.ChatResponse{textResponse("ok")}
	if _, err := f.orch.Chat(context.Background(), "c", sid, "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	snap := f.orch.Stats().Snapshot()
	if snap.Requests != 1 || snap.InputTokens != 10 || snap.OutputTokens != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}
	ps, ok := snap.Providers[f.mock.name]
	if !ok || ps.Requests != 1 {
		t.Fatalf("provider stats = %+v", snap.Providers)
	}
}
