package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ctxAuditDevice   = "audit_device_id"
	ctxAuditSession  = "audit_session_id"
	ctxAuditProvider = "audit_provider"
	ctxAuditTokens   = "audit_tokens"
	ctxAuditCost     = "audit_cost"
)

// auditTurn is called by chat handlers once the orchestrator finished, so the
// audit record carries the turn's accounting.
func auditTurn(c *gin.Context, sessionID, provider string, tokens int, cost float64) {
	c.Set(ctxAuditSession, sessionID)
	c.Set(ctxAuditProvider, provider)
	c.Set(ctxAuditTokens, tokens)
	c.Set(ctxAuditCost, cost)
}

// audit emits one JSONL record per request. audit.Logger writes append-only;
// records survive in production even when response bodies are masked.
func audit(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := []zap.Field{
			zap.String("requestId", c.GetString(ctxRequestID)),
			zap.String("event", "request"),
			zap.String("action", actionLabel(c)),
			zap.String("ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
		}
		if v := c.GetString(ctxAuditDevice); v != "" {
			fields = append(fields, zap.String("deviceId", v))
		}
		if v := c.GetString(ctxAuditSession); v != "" {
			fields = append(fields, zap.String("sessionId", v))
		}
		if v := c.GetString(ctxAuditProvider); v != "" {
			fields = append(fields, zap.String("provider", v))
		}

		meta := map[string]any{
			"durationMs": time.Since(start).Milliseconds(),
		}
		if tokens, ok := c.Get(ctxAuditTokens); ok {
			meta["tokens"] = tokens
		}
		if cost, ok := c.Get(ctxAuditCost); ok {
			meta["cost"] = cost
		}
		fields = append(fields, zap.Any("metadata", meta))

		log.Info("request", fields...)
	}
}
