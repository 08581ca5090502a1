package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/service"
	"github.com/aibridge/aibridge/internal/infrastructure/cache"
	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	"github.com/aibridge/aibridge/internal/infrastructure/config"
	"github.com/aibridge/aibridge/internal/infrastructure/eventbus"
	"github.com/aibridge/aibridge/internal/infrastructure/llm"
	_ "github.com/aibridge/aibridge/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/aibridge/aibridge/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/aibridge/aibridge/internal/infrastructure/llm/ollama"    // register ollama provider factory
	_ "github.com/aibridge/aibridge/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/aibridge/aibridge/internal/infrastructure/logger"
	"github.com/aibridge/aibridge/internal/infrastructure/persistence"
	"github.com/aibridge/aibridge/internal/infrastructure/ratelimit"
	"github.com/aibridge/aibridge/internal/infrastructure/vault"
	httpserver "github.com/aibridge/aibridge/internal/interfaces/http"
	"github.com/aibridge/aibridge/internal/interfaces/websocket"
	"github.com/aibridge/aibridge/pkg/safego"
)

// envImports maps the documented provider key variables onto vault entries.
var envImports = []vault.EnvImport{
	{EnvVar: "ANTHROPIC_API_KEY", Name: "ANTHROPIC_API_KEY", Provider: "claude"},
	{EnvVar: "OPENAI_API_KEY", Name: "OPENAI_API_KEY", Provider: "chatgpt"},
	{EnvVar: "GOOGLE_API_KEY", Name: "GOOGLE_API_KEY", Provider: "gemini"},
	{EnvVar: "OLLAMA_CLOUD_API_KEY", Name: "OLLAMA_CLOUD_API_KEY", Provider: "ollama-cloud"},
}

// App owns every process-wide singleton: built in a fixed order by NewApp,
// torn down in reverse by Stop.
type App struct {
	config *config.Config
	logger *zap.Logger

	registry *llm.Registry
	vault    *vault.Vault
	devices  *persistence.DeviceRegistry
	sessions *persistence.SessionStore
	limiter  *ratelimit.Limiter
	cache    *cache.ResponseCache
	events   *eventbus.InMemoryBus
	capture  *capture.Bus
	orch     *service.Orchestrator
	audit    *zap.Logger
	server   *httpserver.Server

	cancel context.CancelFunc
}

// NewApp wires the application. It fails when no provider can be registered,
// since a bridge without upstreams cannot serve anything.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: log}
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	prices, err := llm.LoadPrices(cfg.Providers.PricesPath)
	if err != nil {
		log.Warn("Price table unavailable, using built-in defaults", zap.Error(err))
		prices = llm.DefaultPrices()
	}

	if err := app.initVault(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.initProviders(prices); err != nil {
		cancel()
		return nil, err
	}
	app.watchVault(ctx)
	app.initStores()
	if err := app.initCapture(); err != nil {
		cancel()
		return nil, err
	}

	app.orch = service.NewOrchestrator(app.sessions, app.registry, app.limiter, app.cache, log)
	app.orch.SetLimits(cfg.Session.MaxToolIterations, cfg.Session.MaxContextMessages)

	app.audit, err = logger.NewAudit(cfg.Audit.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	wsHandler := websocket.NewCaptureHandler(app.capture, cfg.Server.AllowedOrigins, log)
	app.server = httpserver.NewServer(cfg.Server, httpserver.Deps{
		Registry:     app.registry,
		Orchestrator: app.orch,
		Sessions:     app.sessions,
		Devices:      app.devices,
		Vault:        app.vault,
		Limiter:      app.limiter,
		Cache:        app.cache,
		Capture:      app.capture,
		CaptureWS:    wsHandler,
		Audit:        app.audit,
	}, log)

	app.startSweepers(ctx)
	return app, nil
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := a.server.Start()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Stop tears the application down in reverse construction order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	a.capture.Close()
	a.events.Close()
	a.cancel()
	if a.audit != nil {
		_ = a.audit.Sync()
	}
	a.logger.Info("Application stopped")
}

func (a *App) initVault() error {
	v, err := vault.New(a.config.Vault.Dir, a.logger)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	a.vault = v

	v.ImportEnv(envImports)
	if err := vault.EnsureIgnored(".", a.config.Vault.Dir); err != nil {
		a.logger.Warn("Could not update ignore file", zap.Error(err))
	}
	return nil
}

// watchVault applies credential rotations without a restart: the watcher
// rebuilds the affected provider with the new key.
func (a *App) watchVault(ctx context.Context) {
	err := a.vault.Watch(ctx, func(provider, value string) {
		if err := a.registry.Reload(provider, value); err != nil {
			a.logger.Warn("Provider reload failed",
				zap.String("provider", provider),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		a.logger.Warn("Vault watch unavailable", zap.Error(err))
	}
}

func (a *App) initProviders(prices *llm.PriceFile) error {
	a.registry = llm.NewRegistry(a.logger)
	p := a.config.Providers

	type slot struct {
		id, typ, keyName string
		cfg              config.ProviderConfig
		needsKey         bool
	}
	slots := []slot{
		{id: "claude", typ: "anthropic", keyName: "ANTHROPIC_API_KEY", cfg: p.Claude, needsKey: true},
		{id: "chatgpt", typ: "openai", keyName: "OPENAI_API_KEY", cfg: p.ChatGPT, needsKey: true},
		{id: "gemini", typ: "gemini", keyName: "GOOGLE_API_KEY", cfg: p.Gemini, needsKey: true},
		{id: "ollama-local", typ: "ollama", cfg: p.OllamaLocal},
		{id: "ollama-cloud", typ: "ollama", keyName: "OLLAMA_CLOUD_API_KEY", cfg: p.OllamaCloud, needsKey: true},
	}

	registered := 0
	for _, s := range slots {
		apiKey := s.cfg.APIKey
		if s.keyName != "" {
			if fromVault, ok := a.vault.Get(s.keyName); ok {
				apiKey = fromVault
			}
		}
		if s.needsKey && apiKey == "" {
			a.logger.Info("Provider skipped, no credential", zap.String("provider", s.id))
			continue
		}
		if s.cfg.BaseURL == "" {
			a.logger.Info("Provider skipped, no base URL", zap.String("provider", s.id))
			continue
		}
		err := a.registry.Add(llm.ProviderConfig{
			Name:    s.id,
			Type:    s.typ,
			BaseURL: s.cfg.BaseURL,
			APIKey:  apiKey,
			Model:   s.cfg.Model,
			Timeout: s.cfg.Timeout,
			Prices:  prices.For(s.id),
		})
		if err != nil {
			return fmt.Errorf("register provider %s: %w", s.id, err)
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no providers available: set at least one API key or an Ollama URL")
	}
	return nil
}

func (a *App) initStores() {
	a.devices = persistence.NewDeviceRegistry(a.logger)
	a.sessions = persistence.NewSessionStore(a.devices, func(id string) bool {
		_, ok := a.registry.Get(id)
		return ok
	}, a.logger)
	a.limiter = ratelimit.New(ratelimit.Config{
		MaxRequests:   a.config.RateLimit.MaxRequests,
		RequestWindow: a.config.RateLimit.Window,
		MaxTokens:     a.config.RateLimit.MaxTokens,
		TokenWindow:   a.config.RateLimit.TokenWindow,
	}, a.logger)
	if a.config.Cache.Enabled {
		a.cache = cache.New(a.config.Cache.MaxSizeMB, a.config.Cache.Expiration, a.logger)
	}
}

func (a *App) initCapture() error {
	a.events = eventbus.NewInMemoryBus(a.logger, 256, 5*time.Second)

	storage, err := capture.NewStorage(a.config.Capture.StorageDir)
	if err != nil {
		return fmt.Errorf("capture storage: %w", err)
	}
	a.capture = capture.NewBus(storage, a.events,
		a.config.Capture.FlushSize, a.config.Capture.FlushInterval, a.logger)
	return nil
}

// startSweepers expires idle sessions and devices in the background.
func (a *App) startSweepers(ctx context.Context) {
	interval := a.config.Session.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	safego.Go(a.logger, "expiry-sweeper", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sessions.SweepExpired(a.config.Session.SessionTTL)
				a.devices.SweepExpired(a.config.Session.DeviceTTL)
			}
		}
	})
}
