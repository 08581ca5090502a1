package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of an AllowRequest check, including the values the
// HTTP layer surfaces as X-RateLimit-* headers.
type Decision struct {
	OK         bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// TokenDecision is the outcome of charging tokens against the quota window.
type TokenDecision struct {
	OK        bool
	Remaining int64
}

// Config holds the limiter windows.
type Config struct {
	MaxRequests   int           // per RequestWindow
	RequestWindow time.Duration
	MaxTokens     int64 // per TokenWindow
	TokenWindow   time.Duration
}

type window struct {
	requestCount  int
	requestStart  time.Time
	tokensCharged int64
	tokenStart    time.Time
}

// Limiter enforces a fixed-window request count and a separate cumulative
// token quota per identity. Exhausting the token quota blocks AllowRequest
// until the token window rolls over.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	logger  *zap.Logger
}

// New creates a limiter with the given windows.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1_000_000
	}
	if cfg.TokenWindow <= 0 {
		cfg.TokenWindow = time.Hour
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		logger:  logger.With(zap.String("component", "rate-limiter")),
	}
}

// AllowRequest checks and consumes one request slot for identity.
func (l *Limiter) AllowRequest(identity string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictStaleLocked(now)

	w, ok := l.windows[identity]
	if !ok {
		w = &window{requestStart: now, tokenStart: now}
		l.windows[identity] = w
	}

	if now.Sub(w.requestStart) >= l.cfg.RequestWindow {
		w.requestStart = now
		w.requestCount = 0
	}
	if now.Sub(w.tokenStart) >= l.cfg.TokenWindow {
		w.tokenStart = now
		w.tokensCharged = 0
	}

	reqReset := w.requestStart.Add(l.cfg.RequestWindow)

	// An exhausted token quota blocks requests until its window rolls over.
	if w.tokensCharged >= l.cfg.MaxTokens {
		tokenReset := w.tokenStart.Add(l.cfg.TokenWindow)
		return Decision{
			OK:         false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  maxInt(0, l.cfg.MaxRequests-w.requestCount),
			Reset:      tokenReset,
			RetryAfter: tokenReset.Sub(now),
		}
	}

	if w.requestCount >= l.cfg.MaxRequests {
		return Decision{
			OK:         false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			Reset:      reqReset,
			RetryAfter: reqReset.Sub(now),
		}
	}

	w.requestCount++
	return Decision{
		OK:        true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - w.requestCount,
		Reset:     reqReset,
	}
}

// ChargeTokens adds a completed turn's token consumption to the identity's
// quota window. Charging may push the accumulator past the quota; the
// overshoot is absorbed and later requests are blocked instead.
func (l *Limiter) ChargeTokens(identity string, tokens int) TokenDecision {
	if tokens <= 0 {
		return TokenDecision{OK: true, Remaining: l.cfg.MaxTokens}
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		w = &window{requestStart: now, tokenStart: now}
		l.windows[identity] = w
	}
	if now.Sub(w.tokenStart) >= l.cfg.TokenWindow {
		w.tokenStart = now
		w.tokensCharged = 0
	}

	w.tokensCharged += int64(tokens)
	remaining := l.cfg.MaxTokens - w.tokensCharged
	if remaining < 0 {
		remaining = 0
	}
	if w.tokensCharged >= l.cfg.MaxTokens {
		l.logger.Warn("Token quota exhausted",
			zap.String("identity", identity),
			zap.Int64("charged", w.tokensCharged),
		)
		return TokenDecision{OK: false, Remaining: 0}
	}
	return TokenDecision{OK: true, Remaining: remaining}
}

// evictStaleLocked drops identities whose both windows have fully lapsed.
// Called opportunistically from AllowRequest; no background goroutine needed.
func (l *Limiter) evictStaleLocked(now time.Time) {
	for id, w := range l.windows {
		reqStale := now.Sub(w.requestStart) >= 2*l.cfg.RequestWindow
		tokStale := now.Sub(w.tokenStart) >= 2*l.cfg.TokenWindow
		if reqStale && tokStale {
			delete(l.windows, id)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
