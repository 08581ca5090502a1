package llm

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"go.uber.org/zap"
)

const healthProbeTimeout = 5 * time.Second

// Registry holds one adapter per known provider id. Initialized once at
// startup; the only later mutation is Reload when a vault credential for a
// provider changes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]ProviderConfig
	breakers  map[string]*CircuitBreaker
	unhealthy map[string]string // provider id → last auth error
	logger    *zap.Logger
}

// ProviderInfo is the public listing entry for one provider.
type ProviderInfo struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	Model     string `json:"model"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		configs:   make(map[string]ProviderConfig),
		breakers:  make(map[string]*CircuitBreaker),
		unhealthy: make(map[string]string),
		logger:    logger.With(zap.String("component", "provider-registry")),
	}
}

// Add registers a provider built from cfg. Called during startup wiring.
func (r *Registry) Add(cfg ProviderConfig) error {
	p, err := CreateProvider(cfg, r.logger)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[cfg.Name] = p
	r.configs[cfg.Name] = cfg
	r.breakers[cfg.Name] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("Provider registered",
		zap.String("provider", cfg.Name),
		zap.String("type", cfg.Type),
		zap.String("model", cfg.Model),
	)
	return nil
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// List returns the public provider listing.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(r.providers))
	for id, p := range r.providers {
		_, flagged := r.unhealthy[id]
		out = append(out, ProviderInfo{
			ID:        id,
			Available: !flagged && r.breakers[id].State() != CircuitOpen,
			Model:     p.DefaultModel(),
		})
	}
	return out
}

// HealthAll probes every provider concurrently with a short deadline.
// A provider flagged unhealthy by an auth failure reports healthy=false
// without probing; only a credential reload clears the flag.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for id, p := range r.providers {
		snapshot[id] = p
	}
	flagged := make(map[string]string, len(r.unhealthy))
	for id, msg := range r.unhealthy {
		flagged[id] = msg
	}
	r.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	results := make(map[string]Health, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, p := range snapshot {
		if msg, ok := flagged[id]; ok {
			results[id] = Health{Healthy: false, Error: msg}
			continue
		}
		wg.Add(1)
		go func(id string, p Provider) {
			defer wg.Done()
			h := p.Health(probeCtx)
			mu.Lock()
			results[id] = h
			mu.Unlock()
		}(id, p)
	}
	wg.Wait()
	return results
}

// MarkUnhealthy flags a provider after an auth failure and force-opens its
// circuit. The next HealthAll reports healthy=false for it.
func (r *Registry) MarkUnhealthy(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhealthy[id] = reason
	if cb, ok := r.breakers[id]; ok {
		cb.ForceOpen()
	}
	r.logger.Warn("Provider marked unhealthy",
		zap.String("provider", id),
		zap.String("reason", reason),
	)
}

// Reload rebuilds one provider with a fresh API key. Triggered by the vault
// watcher when that provider's credential changes; clears the unhealthy flag.
func (r *Registry) Reload(id, apiKey string) error {
	r.mu.Lock()
	cfg, ok := r.configs[id]
	r.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "unknown provider: "+id)
	}
	cfg.APIKey = apiKey

	p, err := CreateProvider(cfg, r.logger)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.providers[id] = p
	r.configs[id] = cfg
	delete(r.unhealthy, id)
	if cb, ok := r.breakers[id]; ok {
		cb.Reset()
	}
	r.mu.Unlock()

	r.logger.Info("Provider credentials reloaded", zap.String("provider", id))
	return nil
}

// Breaker returns the circuit breaker for a provider id.
func (r *Registry) Breaker(id string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[id]
}

// RecordResult feeds the provider's circuit breaker after a call. Auth
// failures both trip the breaker and flag the provider unhealthy.
func (r *Registry) RecordResult(id string, err error) {
	r.mu.RLock()
	cb := r.breakers[id]
	r.mu.RUnlock()
	if cb == nil {
		return
	}
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if apperrors.Is(err, apperrors.KindAuthInvalid) {
		r.MarkUnhealthy(id, apperrors.AsError(err).Message)
		return
	}
	cb.RecordFailure()
}
