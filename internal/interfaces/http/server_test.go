package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/domain/service"
	"github.com/aibridge/aibridge/internal/infrastructure/cache"
	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	"github.com/aibridge/aibridge/internal/infrastructure/config"
	"github.com/aibridge/aibridge/internal/infrastructure/eventbus"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	"github.com/aibridge/aibridge/internal/infrastructure/persistence"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
)

// scriptedProvider replays canned responses for the HTTP tests.
type scriptedProvider struct {
	mu        sync.Mutex
	name      string
	responses []*llm.ChatResponse
	errs      []error
	deltas    []llm.StreamDelta
	calls     int
}

var (
	scriptedMu  sync.Mutex
	scriptedMap = map[string]*scriptedProvider{}
)

func init() {
	llm.RegisterFactory("http-mock", func(cfg llm.ProviderConfig, _ *zap.Logger) llm.Provider {
		scriptedMu.Lock()
		defer scriptedMu.Unlock()
		return scriptedMap[cfg.Name]
	})
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) Models() []string     { return []string{"m1", "m2"} }
func (p *scriptedProvider) DefaultModel() string { return "m1" }
func (p *scriptedProvider) Health(context.Context) llm.Health {
	return llm.Health{Healthy: true, LatencyMs: 1}
}

func (p *scriptedProvider) Chat(_ context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, deltaCh chan<- llm.StreamDelta) (*llm.ChatResponse, error) {
	p.mu.Lock()
	deltas := p.deltas
	p.mu.Unlock()
	for _, d := range deltas {
		deltaCh <- d
	}
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type env struct {
	srv  *Server
	mock *scriptedProvider
	caps *capture.Storage
}

var envSeq int

func newEnv(t *testing.T, rlCfg ratelimit.Config) *env {
	t.Helper()
	logger := zap.NewNop()

	envSeq++
	name := fmt.Sprintf("httpmock-%d", envSeq)
	mock := &scriptedProvider{name: name}
	scriptedMu.Lock()
	scriptedMap[name] = mock
	scriptedMu.Unlock()

	registry := llm.NewRegistry(logger)
	if err := registry.Add(llm.ProviderConfig{Name: name, Type: "http-mock", Model: "m1"}); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}

	devices := persistence.NewDeviceRegistry(logger)
	sessions := persistence.NewSessionStore(devices, func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}, logger)

	limiter := ratelimit.New(rlCfg, logger)
	rc := cache.New(10, time.Hour, logger)
	orch := service.NewOrchestrator(sessions, registry, limiter, rc, logger)

	storage, err := capture.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	bus := eventbus.NewInMemoryBus(logger, 64, time.Second)
	capBus := capture.NewBus(storage, bus, 0, 0, logger)
	t.Cleanup(func() {
		capBus.Close()
		bus.Close()
	})

	srv := NewServer(config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		Env:            "development",
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxBodyBytes:   10 * 1024 * 1024,
	}, Deps{
		Registry:     registry,
		Orchestrator: orch,
		Sessions:     sessions,
		Devices:      devices,
		Limiter:      limiter,
		Cache:        rc,
		Capture:      capBus,
	}, logger)

	return &env{srv: srv, mock: mock, caps: storage}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *env) registerDevice(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/devices/register", obj{
		"name": "T", "type": "server",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register device: %d %s", w.Code, w.Body.String())
	}
	body := decode[map[string]map[string]any](t, w)
	return body["device"]["id"].(string)
}

type obj = map[string]any

func (e *env) createSession(t *testing.T, deviceID string, cfg obj) string {
	t.Helper()
	if cfg["provider"] == nil {
		cfg["provider"] = e.mock.name
	}
	w := e.do(t, "POST", "/sessions", obj{"deviceId": deviceID, "config": cfg})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	body := decode[map[string]map[string]any](t, w)
	return body["session"]["id"].(string)
}

func TestHappyPathNonStreaming(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	sid := e.createSession(t, dev, obj{"model": "M", "temperature": 0, "systemPrompt": "SYS"})

	e.mock.responses = []*llm.ChatResponse{{
		Content:      "hello",
		FinishReason: llm.FinishStop,
		Usage:        entity.Usage{Input: 3, Output: 2, Total: 5},
	}}

	w := e.do(t, "POST", "/chat", obj{"sessionId": sid, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	if resp["response"] != "hello" || resp["finishReason"] != "stop" {
		t.Fatalf("resp = %v", resp)
	}
	if usage := resp["usage"].(map[string]any); usage["totalTokens"].(float64) != 5 {
		t.Fatalf("usage = %v", usage)
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("X-Cache = %q", w.Header().Get("X-Cache"))
	}

	w = e.do(t, "GET", "/sessions/"+sid, nil)
	sess := decode[map[string]map[string]any](t, w)["session"]
	msgs := sess["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	roles := []string{"system", "user", "assistant"}
	for i, m := range msgs {
		if m.(map[string]any)["role"] != roles[i] {
			t.Fatalf("message %d role = %v", i, m)
		}
	}
	if sess["usage"].(map[string]any)["totalTokens"].(float64) != 5 {
		t.Fatalf("session usage = %v", sess["usage"])
	}
}

func TestCacheHitHeaderAndNoSecondCall(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	cfg := obj{"model": "M", "temperature": 0, "systemPrompt": "SYS"}

	e.mock.responses = []*llm.ChatResponse{{
		Content:      "hello",
		FinishReason: llm.FinishStop,
		Usage:        entity.Usage{Input: 3, Output: 2, Total: 5},
	}}

	s1 := e.createSession(t, dev, cfg)
	if w := e.do(t, "POST", "/chat", obj{"sessionId": s1, "message": "hi"}); w.Code != 200 {
		t.Fatalf("first chat: %d", w.Code)
	}

	s2 := e.createSession(t, dev, obj{"model": "M", "temperature": 0, "systemPrompt": "SYS"})
	w := e.do(t, "POST", "/chat", obj{"sessionId": s2, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("second chat: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", w.Header().Get("X-Cache"))
	}
	if decode[map[string]any](t, w)["response"] != "hello" {
		t.Fatal("cached response differs")
	}
	if e.mock.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", e.mock.callCount())
	}
}

func TestToolLoopOverHTTP(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	sid := e.createSession(t, dev, obj{
		"systemPrompt": "SYS",
		"tools":        []obj{{"name": "search"}},
	})

	e.mock.responses = []*llm.ChatResponse{
		{
			FinishReason: llm.FinishToolCalls,
			ToolCalls:    []entity.ToolCall{{ID: "t1", Name: "search", Arguments: map[string]any{"q": "x"}}},
			Usage:        entity.Usage{Input: 3, Output: 1, Total: 4},
		},
		{
			Content:      "done",
			FinishReason: llm.FinishStop,
			Usage:        entity.Usage{Input: 5, Output: 1, Total: 6},
		},
	}

	w := e.do(t, "POST", "/chat", obj{"sessionId": sid, "message": "find x"})
	resp := decode[map[string]any](t, w)
	if resp["finishReason"] != "tool_calls" {
		t.Fatalf("resp = %v", resp)
	}

	w = e.do(t, "POST", "/tools", obj{
		"sessionId":   sid,
		"toolResults": []obj{{"id": "t1", "result": obj{"hits": []string{"a"}}}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("tools: %d %s", w.Code, w.Body.String())
	}
	if decode[map[string]any](t, w)["response"] != "done" {
		t.Fatal("final response wrong")
	}

	w = e.do(t, "GET", "/sessions/"+sid, nil)
	msgs := decode[map[string]map[string]any](t, w)["session"]["messages"].([]any)
	roles := []string{"system", "user", "assistant", "tool", "assistant"}
	if len(msgs) != len(roles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(roles))
	}
	for i, m := range msgs {
		if m.(map[string]any)["role"] != roles[i] {
			t.Fatalf("message %d = %v, want role %s", i, m, roles[i])
		}
	}
}

func TestRateLimitRejectsThird(t *testing.T) {
	e2 := newEnv(t, ratelimit.Config{MaxRequests: 2, RequestWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if w := e2.do(t, "GET", "/providers", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, w.Code)
		}
	}
	w := e2.do(t, "GET", "/providers", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	body := decode[map[string]any](t, w)
	if body["error"] != "RateLimited" {
		t.Fatalf("error body = %v", body)
	}
	if e2.mock.callCount() != 0 {
		t.Fatal("rejected requests must not reach the provider")
	}
}

func TestChatStreamSSE(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	sid := e.createSession(t, dev, obj{})

	usage := entity.Usage{Input: 3, Output: 2, Total: 5}
	e.mock.deltas = []llm.StreamDelta{
		{Delta: "he"},
		{Delta: "llo"},
		{Done: true, Usage: &usage, FinishReason: llm.FinishStop},
	}
	e.mock.responses = []*llm.ChatResponse{{
		Content:      "hello",
		FinishReason: llm.FinishStop,
		Usage:        usage,
	}}

	w := e.do(t, "POST", "/chat/stream", obj{"sessionId": sid, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	frames := parseSSE(t, w.Body.String())
	if len(frames) != 3 {
		t.Fatalf("frames = %d: %s", len(frames), w.Body.String())
	}
	if frames[0]["delta"] != "he" || frames[1]["delta"] != "llo" {
		t.Fatalf("deltas wrong: %v", frames)
	}
	last := frames[2]
	if last["done"] != true || last["finishReason"] != "stop" {
		t.Fatalf("terminal frame = %v", last)
	}

	// Completed stream appends the assistant message.
	w = e.do(t, "GET", "/sessions/"+sid, nil)
	msgs := decode[map[string]map[string]any](t, w)["session"]["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestChatStreamSSECancelledMidStream(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	sid := e.createSession(t, dev, obj{})

	e.mock.deltas = []llm.StreamDelta{{Delta: "par"}}
	e.mock.errs = []error{fmt.Errorf("stream torn down: %w", context.Canceled)}

	w := e.do(t, "POST", "/chat/stream", obj{"sessionId": sid, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", w.Code, w.Body.String())
	}

	frames := parseSSE(t, w.Body.String())
	if len(frames) != 2 {
		t.Fatalf("frames = %d: %s", len(frames), w.Body.String())
	}
	last := frames[1]
	if last["done"] != true || last["finishReason"] != llm.FinishCancelled {
		t.Fatalf("terminal frame = %v", last)
	}

	// The aborted turn leaves no trace in the session log.
	w = e.do(t, "GET", "/sessions/"+sid, nil)
	msgs, _ := decode[map[string]map[string]any](t, w)["session"]["messages"].([]any)
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
}

func parseSSE(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestErrorShape(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})

	w := e.do(t, "GET", "/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["error"] != "SessionUnknown" || body["requestId"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})
	dev := e.registerDevice(t)
	sid := e.createSession(t, dev, obj{})

	for i := 0; i < 2; i++ {
		w := e.do(t, "DELETE", "/sessions/"+sid, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("delete %d: %d", i, w.Code)
		}
		sess := decode[map[string]map[string]any](t, w)["session"]
		if sess["status"] != "ended" {
			t.Fatalf("status = %v", sess["status"])
		}
	}
}

func TestCaptureRESTRoundTrip(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})

	w := e.do(t, "POST", "/external/data/sessions/create", obj{
		"sessionId": "C", "title": "T", "platform": "ext",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/external/data/upload", obj{
		"sessionId": "C",
		"events":    []obj{{"a": 1}, {"a": 2}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/external/data/sessions/C/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, "GET", "/external/data/sessions/C", nil)
	sess := decode[map[string]map[string]any](t, w)["session"]
	if sess["status"] != "ended" || sess["eventCount"].(float64) != 2 {
		t.Fatalf("session = %v", sess)
	}

	meta, events, err := e.caps.Read("C")
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if meta.Platform != "ext" || len(events) != 2 {
		t.Fatalf("persisted meta=%+v events=%d", meta, len(events))
	}
	if events[0].Data["a"].(float64) != 1 || events[0].Platform != "ext" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})

	req := httptest.NewRequest("GET", "/providers", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatal("configured origin must be allowed")
	}

	req = httptest.NewRequest("GET", "/providers", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin must get no CORS headers")
	}
}

func TestHealthAndProviders(t *testing.T) {
	e := newEnv(t, ratelimit.Config{})

	w := e.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}

	w = e.do(t, "GET", "/providers/"+e.mock.name+"/models", nil)
	models := decode[map[string]any](t, w)["models"].([]any)
	if len(models) != 2 {
		t.Fatalf("models = %v", models)
	}
}
