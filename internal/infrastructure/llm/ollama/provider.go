package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
	llm "github.com/aibridge/aibridge/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func init() {
	llm.RegisterFactory("ollama", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Ollama chat API. One implementation serves both the
// local daemon and the hosted endpoint; they differ only in base URL and
// whether a bearer token is attached.
type Provider struct {
	name    string
	baseURL string
	apiKey  string // empty for local daemons
	model   string
	prices  *llm.Pricing
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Ollama API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		prices:  cfg.Prices,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "ollama")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string         { return p.name }
func (p *Provider) DefaultModel() string { return p.model }

// Models lists locally available models via /api/tags. Falls back to the
// configured default when the daemon is unreachable.
func (p *Provider) Models() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var resp tagsResponse
	if err := p.getJSON(ctx, "/api/tags", &resp); err != nil {
		return []string{p.model}
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	if len(names) == 0 {
		return []string{p.model}
	}
	return names
}

// Health fetches the daemon version as a cheap reachability probe.
func (p *Provider) Health(ctx context.Context) llm.Health {
	start := time.Now()

	var v versionResponse
	if err := p.getJSON(ctx, "/api/version", &v); err != nil {
		return llm.Health{Healthy: false, Error: llm.ProbeError(p.name, err).Error()}
	}
	return llm.Health{
		Healthy:   true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

// Chat performs a one-shot completion via /api/chat (stream=false).
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq := p.buildAPIRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.TransportError(p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.APIError(p.name, resp.StatusCode, string(respBody), resp.Header)
	}

	var chunk chatChunk
	if err := json.Unmarshal(respBody, &chunk); err != nil {
		return nil, fmt.Errorf("parse Ollama response: %w", err)
	}

	out := p.chunkToResponse(&chunk, chunk.Message.Content)
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// ChatStream streams a completion via /api/chat NDJSON (one JSON object per
// line; the final line has done=true and carries token counts).
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, deltaCh chan<- llm.StreamDelta) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq := p.buildAPIRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, llm.APIError(p.name, resp.StatusCode, string(respBody), resp.Header)
	}

	// Context cancellation watchdog
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, force-closing Ollama stream",
				zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	var contentBuilder strings.Builder
	var last chatChunk

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			p.logger.Debug("Skip unparseable Ollama chunk", zap.Error(err))
			continue
		}
		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			select {
			case deltaCh <- llm.StreamDelta{Delta: chunk.Message.Content}:
			case <-ctx.Done():
				return nil, llm.TransportError(p.name, ctx.Err())
			}
		}
		if chunk.Done {
			last = chunk
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, llm.TransportError(p.name, ctx.Err())
		}
		return nil, fmt.Errorf("scan Ollama stream: %w", err)
	}

	out := p.chunkToResponse(&last, contentBuilder.String())
	out.LatencyMs = time.Since(start).Milliseconds()

	deltaCh <- llm.StreamDelta{
		Done:         true,
		Usage:        &out.Usage,
		FinishReason: out.FinishReason,
		ToolCalls:    out.ToolCalls,
	}
	return out, nil
}

// --- Internal ---

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *Provider) buildAPIRequest(req *llm.ChatRequest, stream bool) *chatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := &chatRequest{
		Model:  model,
		Stream: stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		apiReq.Options = &options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	for _, msg := range req.Messages {
		apiMsg := message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, toolCall{
				Function: toolCallFunc{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, tool{
			Type: "function",
			Function: toolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return apiReq
}

func (p *Provider) chunkToResponse(chunk *chatChunk, content string) *llm.ChatResponse {
	model := chunk.Model
	if model == "" {
		model = p.model
	}

	resp := &llm.ChatResponse{
		Content: content,
		Model:   model,
		Usage: entity.Usage{
			Input:  chunk.PromptEvalCount,
			Output: chunk.EvalCount,
			Total:  chunk.PromptEvalCount + chunk.EvalCount,
			Cost:   p.prices.Cost(model, chunk.PromptEvalCount, chunk.EvalCount),
		},
	}

	for i, tc := range chunk.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCall{
			ID:        fmt.Sprintf("call_%s_%d", tc.Function.Name, i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	switch {
	case len(resp.ToolCalls) > 0:
		resp.FinishReason = llm.FinishToolCalls
	case chunk.DoneReason == "length":
		resp.FinishReason = llm.FinishLength
	default:
		resp.FinishReason = llm.FinishStop
	}
	return resp
}

func (p *Provider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+path, nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %d: %s", p.name, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Ollama API types (subset of /api/chat, /api/tags, /api/version) ---

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Tools    []tool    `json:"tools,omitempty"`
	Options  *options  `json:"options,omitempty"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCall struct {
	Function toolCallFunc `json:"function"`
}

type toolCallFunc struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatChunk struct {
	Model      string  `json:"model"`
	Message    message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	// Present only when Done==true:
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}
