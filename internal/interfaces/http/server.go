package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/service"
	"github.com/aibridge/aibridge/internal/infrastructure/cache"
	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	"github.com/aibridge/aibridge/internal/infrastructure/config"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	"github.com/aibridge/aibridge/internal/infrastructure/persistence"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
	"github.com/aibridge/aibridge/internal/infrastructure/vault"
)

// Deps bundles the singletons the HTTP surface serves. Constructed once by
// the application layer; tests build their own.
type Deps struct {
	Registry     *llm.Registry
	Orchestrator *service.Orchestrator
	Sessions     *persistence.SessionStore
	Devices      *persistence.DeviceRegistry
	Vault        *vault.Vault
	Limiter      *ratelimit.Limiter
	Cache        *cache.ResponseCache
	Capture      *capture.Bus
	CaptureWS    http.Handler
	Audit        *zap.Logger
}

// Server is the HTTP front of the bridge.
type Server struct {
	server    *http.Server
	deps      Deps
	startedAt time.Time
	logger    *zap.Logger
}

// NewServer builds the router with the full middleware chain and the routing
// table.
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if cfg.StrictDecoding {
		gin.EnableJsonDecoderDisallowUnknownFields()
	}

	s := &Server{
		deps:      deps,
		startedAt: time.Now(),
		logger:    logger.With(zap.String("component", "http")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(func(c *gin.Context) {
		c.Set(ctxProduction, cfg.Production())
		c.Next()
	})
	router.Use(ginLogger(s.logger))
	router.Use(cors(cfg.AllowedOrigins))
	router.Use(bodyLimit(cfg.MaxBodyBytes))
	if deps.Audit != nil {
		router.Use(audit(deps.Audit))
	}

	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background. Bind failures surface through the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	// Health stays outside the rate limit so probes never compete with
	// clients for the request window.
	router.GET("/health", s.handleHealth)

	limited := router.Group("/")
	limited.Use(rateLimit(s.deps.Limiter))

	limited.GET("/stats", s.handleStats)

	limited.POST("/devices/register", s.handleRegisterDevice)
	limited.GET("/devices", s.handleListDevices)

	limited.POST("/sessions", s.handleCreateSession)
	limited.GET("/sessions/:id", s.handleGetSession)
	limited.DELETE("/sessions/:id", s.handleEndSession)

	limited.POST("/chat", s.handleChat)
	limited.POST("/chat/stream", s.handleChatStream)
	limited.POST("/tools", s.handleToolResults)

	limited.GET("/providers", s.handleListProviders)
	limited.GET("/providers/:id/models", s.handleProviderModels)

	limited.POST("/secrets/set-and-validate", s.handleSetAndValidateSecret)
	limited.GET("/secrets/list", s.handleListSecrets)
	limited.DELETE("/secrets/:name", s.handleDeleteSecret)

	external := limited.Group("/external/data")
	{
		external.POST("/sessions/create", s.handleCaptureCreate)
		external.POST("/upload", s.handleCaptureUpload)
		external.POST("/sessions/:id/end", s.handleCaptureEnd)
		external.GET("/sessions/:id", s.handleCaptureGet)
		external.GET("/sessions", s.handleCaptureList)
	}

	if s.deps.CaptureWS != nil {
		router.GET("/realtime-capture", gin.WrapH(s.deps.CaptureWS))
	}
}
