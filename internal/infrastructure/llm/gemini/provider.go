package gemini

import (
	"bytes"
	"context"
	"crypto/tls"
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
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Google Gemini API natively.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	prices  *llm.Pricing
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Google Gemini API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		prices:  cfg.Prices,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "gemini")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string         { return p.name }
func (p *Provider) DefaultModel() string { return p.model }

func (p *Provider) Models() []string {
	return []string{p.model}
}

// Health lists models as a cheap authenticated reachability probe.
func (p *Provider) Health(ctx context.Context) llm.Health {
	start := time.Now()

	url := fmt.Sprintf("%s/v1beta/models?pageSize=1&key=%s", p.baseURL, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return llm.Health{Healthy: false, Error: err.Error()}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.Health{Healthy: false, Error: llm.ProbeError(p.name, err).Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if resp.StatusCode != http.StatusOK {
		return llm.Health{
			Healthy:   false,
			LatencyMs: latency,
			Error:     fmt.Sprintf("%s returned status %d", p.name, resp.StatusCode),
		}
	}
	return llm.Health{Healthy: true, LatencyMs: latency}
}

// Chat performs a one-shot completion.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq := p.buildAPIRequest(req)
	model := p.resolveModel(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	out, err := p.parseAPIResponse(respBody, model)
	if err != nil {
		return nil, err
	}
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// ChatStream streams a completion via Gemini SSE.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, deltaCh chan<- llm.StreamDelta) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq := p.buildAPIRequest(req)
	model := p.resolveModel(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, llm.APIError(p.name, resp.StatusCode, string(respBody), resp.Header)
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, force-closing Gemini SSE stream",
				zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := ParseSSEStream(ctx, resp.Body, deltaCh, p.prices, model, p.logger)
	close(streamDone)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.TransportError(p.name, ctx.Err())
		}
		return nil, err
	}
	result.LatencyMs = time.Since(start).Milliseconds()
	return result, nil
}

// --- Internal ---

func (p *Provider) resolveModel(model string) string {
	if model == "" {
		return p.model
	}
	return model
}

func (p *Provider) buildAPIRequest(req *llm.ChatRequest) *Request {
	apiReq := &Request{
		GenerationConfig: &GenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}

	// Convert messages to Gemini contents
	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			apiReq.SystemInstruction = &Content{
				Parts: []Part{{Text: msg.Content}},
			}

		case entity.RoleAssistant:
			content := Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, Part{
					FunctionCall: &FunctionCall{
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			if len(content.Parts) > 0 {
				apiReq.Contents = append(apiReq.Contents, content)
			}

		case entity.RoleTool:
			// Gemini: tool results are functionResponse parts in a user turn
			result := map[string]any{"output": msg.Content}
			apiReq.Contents = append(apiReq.Contents, Content{
				Role: "user",
				Parts: []Part{{
					FunctionResponse: &FunctionResponse{
						Name:     functionNameFromCallID(msg.ToolCallID),
						Response: result,
					},
				}},
			})

		default: // user
			apiReq.Contents = append(apiReq.Contents, Content{
				Role:  "user",
				Parts: []Part{{Text: msg.Content}},
			})
		}
	}

	// Convert tool definitions
	if len(req.Tools) > 0 {
		var decls []FunctionDeclarationSpec
		for _, td := range req.Tools {
			decls = append(decls, FunctionDeclarationSpec{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ConvertSchema(td.Parameters),
			})
		}
		apiReq.Tools = []ToolDeclaration{{FunctionDeclarations: decls}}
	}

	return apiReq
}

func (p *Provider) parseAPIResponse(body []byte, model string) (*llm.ChatResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse Gemini response: %w", err)
	}

	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty Gemini response: no candidates")
	}

	candidate := apiResp.Candidates[0]
	resp := &llm.ChatResponse{Model: model}
	if apiResp.ModelVersion != "" {
		resp.Model = apiResp.ModelVersion
	}

	// Extract text and function calls from parts
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			resp.Content += part.Text
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, entity.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(resp.ToolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	resp.FinishReason = canonicalFinishReason(candidate.FinishReason, len(resp.ToolCalls) > 0)
	if apiResp.UsageMetadata != nil {
		in := apiResp.UsageMetadata.PromptTokenCount
		out := apiResp.UsageMetadata.CandidatesTokenCount
		resp.Usage = entity.Usage{
			Input:  in,
			Output: out,
			Total:  in + out,
			Cost:   p.prices.Cost(model, in, out),
		}
	}

	return resp, nil
}
