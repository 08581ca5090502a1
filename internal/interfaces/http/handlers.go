package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/domain/service"
	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"github.com/aibridge/aibridge/pkg/safego"
)

// --- Health & stats ---

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"providers":     s.deps.Registry.HealthAll(c.Request.Context()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{
		"chat":     s.deps.Orchestrator.Stats().Snapshot(),
		"sessions": s.deps.Sessions.Count(),
		"devices":  s.deps.Devices.Count(),
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// --- Devices ---

type registerDeviceRequest struct {
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	Capabilities entity.Capabilities `json:"capabilities"`
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	dev, err := s.deps.Devices.Register(sanitizeText(req.Name), entity.DeviceType(req.Type), req.Capabilities)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(ctxAuditDevice, dev.ID)
	c.JSON(http.StatusOK, gin.H{"device": dev})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.deps.Devices.List()})
}

// --- Sessions ---

type createSessionRequest struct {
	DeviceID string               `json:"deviceId"`
	Config   entity.SessionConfig `json:"config"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	req.Config.SystemPrompt = sanitizeText(req.Config.SystemPrompt)

	sess, err := s.deps.Sessions.Create(req.DeviceID, req.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(ctxAuditDevice, req.DeviceID)
	c.Set(ctxAuditSession, sess.ID)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// handleEndSession ends a session. Idempotent: a second DELETE returns the
// same ended session.
func (s *Server) handleEndSession(c *gin.Context) {
	sess, err := s.deps.Sessions.End(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// --- Chat ---

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Streaming bool   `json:"streaming"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.deps.Orchestrator.Chat(
		c.Request.Context(),
		c.GetString(ctxIdentity),
		req.SessionID,
		sanitizeText(req.Message),
	)
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	if res.Session != nil {
		auditTurn(c, res.Session.ID, res.Session.Config.Provider,
			res.Response.Usage.Total, res.Response.Usage.Cost)
	}
	c.JSON(http.StatusOK, res.Response)
}

type toolResultPayload struct {
	ID         string          `json:"id"`
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
	Content    string          `json:"content"`
}

type toolResultsRequest struct {
	SessionID   string              `json:"sessionId"`
	ToolResults []toolResultPayload `json:"toolResults"`
}

func (s *Server) handleToolResults(c *gin.Context) {
	var req toolResultsRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	results := make([]service.ToolResult, 0, len(req.ToolResults))
	for _, tr := range req.ToolResults {
		id := tr.ToolCallID
		if id == "" {
			id = tr.ID
		}
		content := tr.Content
		if content == "" && len(tr.Result) > 0 {
			content = string(tr.Result)
		}
		results = append(results, service.ToolResult{ToolCallID: id, Content: content})
	}

	res, err := s.deps.Orchestrator.SubmitToolResults(
		c.Request.Context(), c.GetString(ctxIdentity), req.SessionID, results)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Session != nil {
		auditTurn(c, res.Session.ID, res.Session.Config.Provider,
			res.Response.Usage.Total, res.Response.Usage.Cost)
	}
	c.JSON(http.StatusOK, res.Response)
}

// handleChatStream bridges the provider's delta sequence onto an SSE
// response. Deltas flush one frame each, in emission order; the stream always
// ends with a done:true frame.
func (s *Server) handleChatStream(c *gin.Context) {
	var req chatRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	deltaCh := make(chan llm.StreamDelta, 32)
	type outcome struct {
		res *service.ChatResult
		err error
	}
	outCh := make(chan outcome, 1)

	safego.Go(s.logger, "chat-stream", func() {
		res, err := s.deps.Orchestrator.ChatStream(
			c.Request.Context(),
			c.GetString(ctxIdentity),
			req.SessionID,
			sanitizeText(req.Message),
			deltaCh,
		)
		outCh <- outcome{res: res, err: err}
	})

	flusher, _ := c.Writer.(http.Flusher)
	headersSent := false
	sendFrame := func(d llm.StreamDelta) {
		if !headersSent {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Cache", "MISS")
			c.Writer.WriteHeader(http.StatusOK)
			headersSent = true
		}
		payload, err := json.Marshal(d)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	sawDone := false
	for d := range deltaCh {
		if d.Delta == "" && !d.Done {
			continue
		}
		if d.Done {
			sawDone = true
		}
		sendFrame(d)
	}

	out := <-outCh
	if out.err != nil {
		if !headersSent {
			writeError(c, out.err)
			return
		}
		be := apperrors.AsError(out.err)
		finish := llm.FinishError
		if errors.Is(out.err, context.Canceled) {
			finish = llm.FinishCancelled
		}
		sendFrame(llm.StreamDelta{Done: true, FinishReason: finish})
		s.logger.Warn("Stream ended with error",
			zap.String("kind", string(be.Kind)),
			zap.String("request_id", c.GetString(ctxRequestID)),
		)
		return
	}

	resp := out.res.Response
	if !sawDone {
		sendFrame(llm.StreamDelta{
			Done:         true,
			Usage:        &resp.Usage,
			FinishReason: resp.FinishReason,
		})
	}
	if out.res.Session != nil {
		auditTurn(c, out.res.Session.ID, out.res.Session.Config.Provider,
			resp.Usage.Total, resp.Usage.Cost)
	}
}

// --- Providers ---

func (s *Server) handleListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.deps.Registry.List()})
}

func (s *Server) handleProviderModels(c *gin.Context) {
	id := c.Param("id")
	p, ok := s.deps.Registry.Get(id)
	if !ok {
		writeError(c, apperrors.New(apperrors.KindInvalidArgument, "unknown provider: "+id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": id, "models": p.Models()})
}

// --- Secrets ---

type setSecretRequest struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Provider string `json:"provider"`
}

func (s *Server) handleSetAndValidateSecret(c *gin.Context) {
	var req setSecretRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if req.Name == "" || req.Value == "" {
		writeError(c, apperrors.New(apperrors.KindInvalidArgument, "name and value are required"))
		return
	}
	result, err := s.deps.Vault.SetAndValidate(c.Request.Context(), req.Name, req.Value, req.Provider)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListSecrets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"secrets": s.deps.Vault.List()})
}

func (s *Server) handleDeleteSecret(c *gin.Context) {
	name := c.Param("name")
	deleted := s.deps.Vault.Delete(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "deleted": deleted})
}

// --- Capture REST facade ---

type createCaptureSessionRequest struct {
	SessionID string         `json:"sessionId"`
	Title     string         `json:"title"`
	Platform  string         `json:"platform"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleCaptureCreate(c *gin.Context) {
	var req createCaptureSessionRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if req.Metadata != nil {
		capture.ScrubMap(req.Metadata)
	}
	sess, err := s.deps.Capture.CreateSession(
		req.SessionID, sanitizeText(req.Title), sanitizeText(req.Platform), req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type uploadEventsRequest struct {
	SessionID string           `json:"sessionId"`
	Events    []map[string]any `json:"events"`
}

func (s *Server) handleCaptureUpload(c *gin.Context) {
	var req uploadEventsRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(c, apperrors.New(apperrors.KindInvalidArgument, "events must not be empty"))
		return
	}
	events := make([]entity.CaptureEvent, 0, len(req.Events))
	for _, raw := range req.Events {
		events = append(events, capture.NormalizeEvent(raw))
	}
	if err := s.deps.Capture.AppendEvents(req.SessionID, events); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(events)})
}

func (s *Server) handleCaptureEnd(c *gin.Context) {
	sess, err := s.deps.Capture.EndSession(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleCaptureGet(c *gin.Context) {
	sess, err := s.deps.Capture.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleCaptureList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Capture.List()})
}

