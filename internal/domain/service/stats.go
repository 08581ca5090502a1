package service

import (
	"sync"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
)

// ProviderStats is the per-provider slice of the aggregate counters.
type ProviderStats struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// StatsSnapshot is the point-in-time view exposed on /stats.
type StatsSnapshot struct {
	StartedAt      time.Time                `json:"startedAt"`
	UptimeSeconds  int64                    `json:"uptimeSeconds"`
	Requests       int64                    `json:"requests"`
	StreamRequests int64                    `json:"streamRequests"`
	Errors         int64                    `json:"errors"`
	CacheHits      int64                    `json:"cacheHits"`
	Condensations  int64                    `json:"condensations"`
	InputTokens    int64                    `json:"inputTokens"`
	OutputTokens   int64                    `json:"outputTokens"`
	CostUSD        float64                  `json:"costUSD"`
	Providers      map[string]ProviderStats `json:"providers"`
}

// Stats accumulates request counters across the orchestrator's lifetime.
type Stats struct {
	mu sync.Mutex

	startedAt      time.Time
	requests       int64
	streamRequests int64
	errors         int64
	cacheHits      int64
	condensations  int64
	inputTokens    int64
	outputTokens   int64
	costUSD        float64

	providers map[string]*providerCounters
}

type providerCounters struct {
	requests       int64
	inputTokens    int64
	outputTokens   int64
	costUSD        float64
	totalLatency   time.Duration
	latencySamples int64
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{
		startedAt: time.Now(),
		providers: make(map[string]*providerCounters),
	}
}

func (s *Stats) RecordRequest(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.counters(provider).requests++
}

func (s *Stats) RecordStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.streamRequests++
}

func (s *Stats) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

func (s *Stats) RecordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits++
}

func (s *Stats) RecordCondensation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.condensations++
}

// RecordUsage folds one completed provider call into the counters.
func (s *Stats) RecordUsage(provider string, usage entity.Usage, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputTokens += int64(usage.Input)
	s.outputTokens += int64(usage.Output)
	s.costUSD += usage.Cost

	pc := s.counters(provider)
	pc.inputTokens += int64(usage.Input)
	pc.outputTokens += int64(usage.Output)
	pc.costUSD += usage.Cost
	pc.totalLatency += latency
	pc.latencySamples++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers := make(map[string]ProviderStats, len(s.providers))
	for id, pc := range s.providers {
		ps := ProviderStats{
			Requests:     pc.requests,
			InputTokens:  pc.inputTokens,
			OutputTokens: pc.outputTokens,
			CostUSD:      pc.costUSD,
		}
		if pc.latencySamples > 0 {
			ps.AvgLatencyMs = float64(pc.totalLatency.Milliseconds()) / float64(pc.latencySamples)
		}
		providers[id] = ps
	}

	return StatsSnapshot{
		StartedAt:      s.startedAt,
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Requests:       s.requests,
		StreamRequests: s.streamRequests,
		Errors:         s.errors,
		CacheHits:      s.cacheHits,
		Condensations:  s.condensations,
		InputTokens:    s.inputTokens,
		OutputTokens:   s.outputTokens,
		CostUSD:        s.costUSD,
		Providers:      providers,
	}
}

func (s *Stats) counters(provider string) *providerCounters {
	pc, ok := s.providers[provider]
	if !ok {
		pc = &providerCounters{}
		s.providers[provider] = pc
	}
	return pc
}
