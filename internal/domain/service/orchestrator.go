package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/infrastructure/cache"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	"github.com/aibridge/aibridge/internal/infrastructure/persistence"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
)

const (
	defaultMaxToolIterations  = 8
	defaultMaxContextMessages = 10

	condensationPrompt = "Condense the conversation so far into a compact summary. " +
		"Preserve user intent, stated facts, decisions and unresolved questions. " +
		"Write plain prose, no headings. Respond with the summary only."
)

// ToolResult is one caller-supplied answer to a pending tool call.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
}

// ChatResult is the orchestrator's answer for one turn. When the assistant
// requested tools, Response.FinishReason is tool_calls and PendingToolCalls
// lists what the caller must execute before the turn can continue.
type ChatResult struct {
	Response         *llm.ChatResponse
	Session          *entity.Session
	Cached           bool
	PendingToolCalls []entity.ToolCall
}

// Orchestrator drives a chat turn through its state machine: resolve the
// session, append the user message, call the provider, run the tool loop,
// account usage, maybe cache. Rejections never leave a half-applied turn in
// the session log.
type Orchestrator struct {
	sessions *persistence.SessionStore
	registry *llm.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.ResponseCache
	logger   *zap.Logger

	maxToolIterations  int
	maxContextMessages int

	stats *Stats
}

// NewOrchestrator wires the orchestrator. cache may be nil to disable
// response caching.
func NewOrchestrator(
	sessions *persistence.SessionStore,
	registry *llm.Registry,
	limiter *ratelimit.Limiter,
	responseCache *cache.ResponseCache,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:           sessions,
		registry:           registry,
		limiter:            limiter,
		cache:              responseCache,
		logger:             logger.With(zap.String("component", "orchestrator")),
		maxToolIterations:  defaultMaxToolIterations,
		maxContextMessages: defaultMaxContextMessages,
		stats:              NewStats(),
	}
}

// Stats returns the live counters for the /stats endpoint.
func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// SetLimits overrides the tool-loop and context-window limits. Non-positive
// values keep the current setting. Call before serving traffic.
func (o *Orchestrator) SetLimits(maxToolIterations, maxContextMessages int) {
	if maxToolIterations > 0 {
		o.maxToolIterations = maxToolIterations
	}
	if maxContextMessages > 0 {
		o.maxContextMessages = maxContextMessages
	}
}

// Chat runs one non-streaming turn. identity is the rate-limit identity used
// for token charging; request admission happens in the HTTP layer before the
// orchestrator is entered.
func (o *Orchestrator) Chat(ctx context.Context, identity, sessionID, userMessage string) (*ChatResult, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "message must not be empty")
	}

	s, err := o.resolveActive(sessionID)
	if err != nil {
		return nil, err
	}

	// Cache is only consulted for tool-less sessions; tool turns depend on
	// caller-side execution and must reach the provider.
	var cacheKey string
	if o.cache != nil && len(s.Config.Tools) == 0 {
		probe := append(append([]entity.Message{}, s.Messages...), entity.Message{
			Role:    entity.RoleUser,
			Content: userMessage,
		})
		cacheKey = cache.Key(s.Config.Provider, o.modelFor(s), probe, nil, s.Config.Temperature, s.Config.MaxTokens)
		if resp, ok := o.cache.Lookup(cacheKey); ok {
			o.stats.RecordCacheHit()
			o.logger.Debug("Cache hit", zap.String("session_id", sessionID))
			return &ChatResult{Response: resp, Session: s, Cached: true}, nil
		}
	}

	rollbackTo := len(s.Messages)
	s, err = o.sessions.Append(sessionID, entity.Message{
		Role:    entity.RoleUser,
		Content: userMessage,
	})
	if err != nil {
		return nil, err
	}

	result, err := o.completeTurn(ctx, identity, s, cacheKey)
	if err != nil {
		// A rejected turn must not leave the user message behind.
		if _, rbErr := o.sessions.RollbackTo(sessionID, rollbackTo); rbErr != nil {
			o.logger.Error("Rollback failed",
				zap.String("session_id", sessionID),
				zap.Error(rbErr),
			)
		}
		return nil, err
	}
	return result, nil
}

// SubmitToolResults appends the caller's tool outputs and re-enters the
// provider call. Every pending tool call must be answered in one submission.
func (o *Orchestrator) SubmitToolResults(ctx context.Context, identity, sessionID string, results []ToolResult) (*ChatResult, error) {
	s, err := o.resolveActive(sessionID)
	if err != nil {
		return nil, err
	}

	pending := s.PendingToolCalls()
	if len(pending) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "session has no pending tool calls")
	}
	byID := make(map[string]bool, len(pending))
	for _, tc := range pending {
		byID[tc.ID] = true
	}
	if len(results) != len(pending) {
		return nil, apperrors.New(apperrors.KindInvalidArgument,
			fmt.Sprintf("expected %d tool results, got %d", len(pending), len(results)))
	}
	msgs := make([]entity.Message, 0, len(results))
	for _, r := range results {
		if !byID[r.ToolCallID] {
			return nil, apperrors.New(apperrors.KindInvalidArgument, "unexpected tool call id: "+r.ToolCallID)
		}
		delete(byID, r.ToolCallID)
		msgs = append(msgs, entity.Message{
			Role:       entity.RoleTool,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
		})
	}

	rollbackTo := len(s.Messages)
	s, err = o.sessions.Append(sessionID, msgs...)
	if err != nil {
		return nil, err
	}

	result, err := o.completeTurn(ctx, identity, s, "")
	if err != nil {
		if _, rbErr := o.sessions.RollbackTo(sessionID, rollbackTo); rbErr != nil {
			o.logger.Error("Rollback failed",
				zap.String("session_id", sessionID),
				zap.Error(rbErr),
			)
		}
		return nil, err
	}
	return result, nil
}

// ChatStream runs one streaming turn, forwarding every delta to deltaCh in
// provider emission order. The channel is closed before return. Partial
// output of an aborted stream is discarded; only stop and length completions
// enter the session log.
func (o *Orchestrator) ChatStream(ctx context.Context, identity, sessionID, userMessage string, deltaCh chan<- llm.StreamDelta) (*ChatResult, error) {
	defer close(deltaCh)

	if strings.TrimSpace(userMessage) == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "message must not be empty")
	}

	s, err := o.resolveActive(sessionID)
	if err != nil {
		return nil, err
	}

	rollbackTo := len(s.Messages)
	s, err = o.sessions.Append(sessionID, entity.Message{
		Role:    entity.RoleUser,
		Content: userMessage,
	})
	if err != nil {
		return nil, err
	}
	s, err = o.maybeCondense(ctx, s)
	if err != nil {
		o.rollback(sessionID, rollbackTo)
		return nil, err
	}

	provider, err := o.admit(s.Config.Provider)
	if err != nil {
		o.rollback(sessionID, rollbackTo)
		return nil, err
	}

	o.stats.RecordStream()
	start := time.Now()
	resp, err := provider.ChatStream(ctx, o.buildRequest(s), deltaCh)
	o.registry.RecordResult(s.Config.Provider, err)
	if err != nil {
		o.stats.RecordError()
		o.rollback(sessionID, rollbackTo)
		return nil, err
	}

	appendOutput := resp.FinishReason == llm.FinishStop || resp.FinishReason == llm.FinishLength
	if appendOutput {
		s, err = o.sessions.Append(sessionID, entity.Message{
			Role:     entity.RoleAssistant,
			Content:  resp.Content,
			Provider: s.Config.Provider,
			Tokens:   resp.Usage.Output,
		})
		if err != nil {
			return nil, err
		}
	} else {
		// Cancelled or filtered stream: the turn never happened.
		s = o.rollback(sessionID, rollbackTo)
	}

	o.account(identity, sessionID, s.Config.Provider, resp.Usage, time.Since(start))
	return &ChatResult{Response: resp, Session: s}, nil
}

// --- Internal ---

// completeTurn calls the provider on the session's current log and applies
// the result: assistant append, accounting and optional cache store.
func (o *Orchestrator) completeTurn(ctx context.Context, identity string, s *entity.Session, cacheKey string) (*ChatResult, error) {
	s, err := o.maybeCondense(ctx, s)
	if err != nil {
		return nil, err
	}

	provider, err := o.admit(s.Config.Provider)
	if err != nil {
		return nil, err
	}

	o.stats.RecordRequest(s.Config.Provider)
	start := time.Now()
	resp, err := provider.Chat(ctx, o.buildRequest(s))
	o.registry.RecordResult(s.Config.Provider, err)
	if err != nil {
		o.stats.RecordError()
		return nil, err
	}

	if resp.FinishReason == llm.FinishToolCalls && len(s.Config.Tools) > 0 {
		if s.ToolIterationsThisTurn() >= o.maxToolIterations {
			o.stats.RecordError()
			return nil, apperrors.New(apperrors.KindToolLoopExceeded,
				fmt.Sprintf("tool loop exceeded %d iterations", o.maxToolIterations))
		}
		s, err = o.sessions.Append(s.ID, entity.Message{
			Role:      entity.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Provider:  s.Config.Provider,
			Tokens:    resp.Usage.Output,
		})
		if err != nil {
			return nil, err
		}
		o.account(identity, s.ID, s.Config.Provider, resp.Usage, time.Since(start))
		return &ChatResult{
			Response:         resp,
			Session:          s,
			PendingToolCalls: resp.ToolCalls,
		}, nil
	}

	s, err = o.sessions.Append(s.ID, entity.Message{
		Role:     entity.RoleAssistant,
		Content:  resp.Content,
		Provider: s.Config.Provider,
		Tokens:   resp.Usage.Output,
	})
	if err != nil {
		return nil, err
	}
	o.account(identity, s.ID, s.Config.Provider, resp.Usage, time.Since(start))

	if o.cache != nil && cacheKey != "" {
		o.cache.Store(cacheKey, resp)
	}
	return &ChatResult{Response: resp, Session: s}, nil
}

// admit returns the provider adapter after the circuit breaker check.
func (o *Orchestrator) admit(providerID string) (llm.Provider, error) {
	provider, ok := o.registry.Get(providerID)
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "unknown provider: "+providerID)
	}
	if cb := o.registry.Breaker(providerID); cb != nil && !cb.Allow() {
		return nil, apperrors.New(apperrors.KindProviderUnavailable,
			"provider circuit open: "+providerID)
	}
	return provider, nil
}

func (o *Orchestrator) buildRequest(s *entity.Session) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:       o.modelFor(s),
		Messages:    s.Messages,
		Temperature: s.Config.Temperature,
		MaxTokens:   s.Config.MaxTokens,
		Tools:       s.Config.Tools,
	}
}

func (o *Orchestrator) modelFor(s *entity.Session) string {
	if s.Config.Model != "" {
		return s.Config.Model
	}
	if p, ok := o.registry.Get(s.Config.Provider); ok {
		return p.DefaultModel()
	}
	return ""
}

// account charges the token quota and folds usage into session and stats.
// Runs after the provider responded, so it never blocks the turn itself.
func (o *Orchestrator) account(identity, sessionID, providerID string, usage entity.Usage, latency time.Duration) {
	if usage.Total > 0 {
		o.limiter.ChargeTokens(identity, usage.Total)
	}
	if _, err := o.sessions.AddUsage(sessionID, usage); err != nil {
		o.logger.Warn("Usage accounting failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	o.stats.RecordUsage(providerID, usage, latency)
}

func (o *Orchestrator) resolveActive(sessionID string) (*entity.Session, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == entity.SessionEnded {
		return nil, apperrors.New(apperrors.KindSessionEnded, "session has ended: "+sessionID)
	}
	return s, nil
}

func (o *Orchestrator) rollback(sessionID string, n int) *entity.Session {
	s, err := o.sessions.RollbackTo(sessionID, n)
	if err != nil {
		o.logger.Error("Rollback failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	}
	return s
}

// maybeCondense collapses an oversized history into one synthetic system
// summary plus the newest messages. The summary is produced by the session's
// own provider so the condensation honors the same credentials and limits.
func (o *Orchestrator) maybeCondense(ctx context.Context, s *entity.Session) (*entity.Session, error) {
	if len(s.Messages) <= o.maxContextMessages {
		return s, nil
	}

	provider, err := o.admit(s.Config.Provider)
	if err != nil {
		return nil, err
	}

	prefixEnd := len(s.Messages) - o.maxContextMessages
	condensable := s.Messages[:prefixEnd]

	var b strings.Builder
	for _, m := range condensable {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	req := &llm.ChatRequest{
		Model: o.modelFor(s),
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: condensationPrompt},
			{Role: entity.RoleUser, Content: b.String()},
		},
		Temperature: 0,
		MaxTokens:   s.Config.MaxTokens,
	}
	resp, err := provider.Chat(ctx, req)
	o.registry.RecordResult(s.Config.Provider, err)
	if err != nil {
		return nil, err
	}

	summary := entity.Message{
		Role:    entity.RoleSystem,
		Content: "Summary of the earlier conversation: " + resp.Content,
	}
	s, err = o.sessions.ReplacePrefix(s.ID, o.maxContextMessages, summary)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Session history condensed",
		zap.String("session_id", s.ID),
		zap.Int("kept", o.maxContextMessages),
	)
	o.stats.RecordCondensation()
	return s, nil
}
