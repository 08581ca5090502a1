package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider normalizes one third-party chat API into the canonical
// request/response/stream shape.
type Provider interface {
	// Name returns the provider identifier (e.g. "claude", "chatgpt").
	Name() string

	// Models returns the list of known model identifiers.
	Models() []string

	// DefaultModel returns the configured default model.
	DefaultModel() string

	// Health runs a cheap reachability probe against the upstream.
	Health(ctx context.Context) Health

	// Chat performs a one-shot completion over the full message history.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream streams deltas to deltaCh and returns the assembled
	// response. Cancelling ctx aborts the upstream connection.
	ChatStream(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamDelta) (*ChatResponse, error)
}

// ProviderConfig holds configuration for one provider instance.
type ProviderConfig struct {
	Name    string
	Type    string // "anthropic" | "openai" | "gemini" | "ollama"
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Prices  *Pricing
}

// --- Provider Factory Registry ---
// Providers register themselves via init() in their own package.
// Adding a new provider type = implement Provider + RegisterFactory("type", New).

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
// Called from init() in each adapter sub-package.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for cfg.Type.
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Type]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", cfg.Type, available)
	}

	return factory(cfg, logger), nil
}
