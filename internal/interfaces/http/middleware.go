package http

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/infrastructure/logger"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
)

const (
	ctxRequestID = "request_id"
	ctxIdentity  = "identity"
)

// requestID assigns every request a UUID, echoed as X-Request-ID and carried
// into error responses and the audit log.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// cors restricts cross-origin access to the configured origin list, with
// credentials allowed. Unlisted origins get no CORS headers at all.
func cors(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// identityFor resolves the rate-limit identity: an API key hash when the
// caller presents one, the client IP otherwise.
func identityFor(c *gin.Context) string {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + c.ClientIP()
}

// rateLimit admits or rejects the request before any other work. The
// X-RateLimit headers are set on every response, accepted or not.
func rateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := identityFor(c)
		c.Set(ctxIdentity, identity)

		d := limiter.AllowRequest(identity, time.Now())
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.OK {
			writeError(c, apperrors.New(apperrors.KindRateLimited, "rate limit exceeded").
				WithRetryAfter(d.RetryAfter))
			c.Abort()
			return
		}
		c.Next()
	}
}

// bodyLimit caps request bodies. Reads past the cap fail and surface as
// PayloadTooLarge from the decode helper.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// errorBody is the wire shape of every non-2xx response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Details   any    `json:"details,omitempty"`
}

// writeError translates an application error to its HTTP response. The only
// place that maps kinds to status codes is apperrors.HTTPStatus.
func writeError(c *gin.Context, err error) {
	be := apperrors.AsError(err)
	status := apperrors.HTTPStatus(be.Kind)

	message := logger.Redact(be.Message)
	if be.Kind == apperrors.KindInternal && productionMode(c) {
		message = "internal error"
	}
	if be.RetryAfter > 0 {
		secs := int(be.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	c.JSON(status, errorBody{
		Error:     string(be.Kind),
		Message:   message,
		RequestID: c.GetString(ctxRequestID),
		Details:   be.Details,
	})
}

const ctxProduction = "production_mode"

func productionMode(c *gin.Context) bool {
	return c.GetBool(ctxProduction)
}

// decodeJSON binds the body and normalizes failures: an oversized body is
// PayloadTooLarge, anything else InvalidArgument with the decode error.
func decodeJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			return apperrors.New(apperrors.KindPayloadTooLarge, "request body exceeds limit")
		}
		return apperrors.Wrap(apperrors.KindInvalidArgument, "malformed request body", err).
			WithDetails(err.Error())
	}
	return nil
}

// sanitizeText strips control bytes from caller-supplied text, keeping only
// tab and newline.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// ginLogger logs one line per request through zap.
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ctxRequestID)),
		)
	}
}

// actionLabel formats the audit action field.
func actionLabel(c *gin.Context) string {
	return fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
}
